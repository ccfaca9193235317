package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerIsSafeBeforeInitialize(t *testing.T) {
	// The package-level no-op logger must absorb calls without panicking
	assert.NotPanics(t, func() {
		Infow("before initialize", "key", "value")
		Errorw("before initialize", "key", "value")
	})
}

func TestInitializeJSON(t *testing.T) {
	require.NoError(t, Initialize(true))
	assert.True(t, JSONOutput)
	assert.NotNil(t, Logger)
}

func TestInitializeConsole(t *testing.T) {
	require.NoError(t, Initialize(false))
	assert.False(t, JSONOutput)
	assert.NotNil(t, Logger)

	named := Named("session")
	assert.NotNil(t, named)
}
