package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalis/dirimport/errors"
)

func TestParseReader(t *testing.T) {
	input := "username,email,populationId\n" +
		"jdoe,jdoe@example.com,3fa85f64-5717-4562-b3fc-2c963f66afa6\n" +
		"asmith,asmith@example.com,\n"

	ds, err := ParseReader(strings.NewReader(input), Options{
		UniqueColumn:     "username",
		PopulationColumn: "populationId",
	})
	require.NoError(t, err)
	require.Equal(t, 2, ds.Total())

	first := ds.Records[0]
	assert.Equal(t, 2, first.LineNumber)
	assert.Equal(t, "jdoe", first.UniqueValue)
	assert.Equal(t, "3fa85f64-5717-4562-b3fc-2c963f66afa6", first.RawPopulation)
	assert.Equal(t, OutcomePending, first.Outcome)
	assert.Equal(t, "jdoe@example.com", first.Fields["email"])

	second := ds.Records[1]
	assert.Equal(t, 3, second.LineNumber)
	assert.Empty(t, second.RawPopulation)
}

func TestParseReaderHeaderMatchIsCaseInsensitive(t *testing.T) {
	input := "UserName,PopulationID\njdoe,pop\n"

	ds, err := ParseReader(strings.NewReader(input), Options{
		UniqueColumn:     "username",
		PopulationColumn: "populationId",
	})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Total())
	assert.Equal(t, "pop", ds.Records[0].RawPopulation)
}

func TestParseReaderWithoutPopulationColumn(t *testing.T) {
	input := "username,email\njdoe,jdoe@example.com\n"

	ds, err := ParseReader(strings.NewReader(input), Options{
		UniqueColumn:     "username",
		PopulationColumn: "populationId",
	})
	require.NoError(t, err)
	assert.Empty(t, ds.Records[0].RawPopulation)
}

func TestParseReaderStructuralFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty input", ""},
		{"missing unique column", "email,populationId\na@b.c,pop\n"},
		{"field count mismatch", "username,email\njdoe\n"},
		{"blank unique value", "username,email\n,jdoe@example.com\n"},
		{"blank header column", "username,,email\njdoe,x,a@b.c\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReader(strings.NewReader(tt.input), Options{
				UniqueColumn:     "username",
				PopulationColumn: "populationId",
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrParse), "expected parse error, got %v", err)
		})
	}
}

func TestParseReaderEmptyDataset(t *testing.T) {
	// A header with zero rows is structurally valid - the session just
	// completes immediately with total 0
	ds, err := ParseReader(strings.NewReader("username,email\n"), Options{UniqueColumn: "username"})
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Total())
}

func TestParseReaderCustomDelimiter(t *testing.T) {
	input := "username;email\njdoe;jdoe@example.com\n"

	ds, err := ParseReader(strings.NewReader(input), Options{
		UniqueColumn: "username",
		Delimiter:    ';',
	})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Total())
	assert.Equal(t, "jdoe@example.com", ds.Records[0].Fields["email"])
}

func TestRecordOutcomeTransitions(t *testing.T) {
	rec := &Record{LineNumber: 2, UniqueValue: "jdoe", Outcome: OutcomePending}
	assert.False(t, rec.Terminal())

	rec.MarkSuccess("identity-1")
	assert.True(t, rec.Terminal())
	assert.Equal(t, OutcomeSuccess, rec.Outcome)
	assert.Equal(t, "identity-1", rec.IdentityID)
	assert.NotNil(t, rec.ResolvedAt)
}

func TestIsValidOutcome(t *testing.T) {
	assert.True(t, IsValidOutcome("pending"))
	assert.True(t, IsValidOutcome("success"))
	assert.True(t, IsValidOutcome("error"))
	assert.True(t, IsValidOutcome("skipped"))
	assert.False(t, IsValidOutcome("done"))
}
