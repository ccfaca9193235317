package progress

// ChannelKind identifies one concrete real-time delivery mechanism
type ChannelKind string

const (
	// KindPrimaryStream is a one-way, long-lived push stream (SSE)
	KindPrimaryStream ChannelKind = "primary-stream"
	// KindDuplexSocket is a bidirectional persistent connection (WebSocket)
	KindDuplexSocket ChannelKind = "duplex-socket"
	// KindRawSocket is a bidirectional connection with no framing convenience
	KindRawSocket ChannelKind = "raw-socket"
	// KindPoll means the observer pulls a snapshot on an interval
	KindPoll ChannelKind = "poll"
)

// preference orders channel kinds from most to least preferred. Observers
// negotiate the highest kind they support at attach time and step down this
// list when a channel dies.
var preference = []ChannelKind{KindPrimaryStream, KindDuplexSocket, KindRawSocket, KindPoll}

// NextFallback returns the next lower-preference kind after k. ok is false
// when k is already the last resort (poll) or unknown.
func NextFallback(k ChannelKind) (next ChannelKind, ok bool) {
	for i, kind := range preference {
		if kind == k && i+1 < len(preference) {
			return preference[i+1], true
		}
	}
	return "", false
}

// Health is the delivery health of one attached channel
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDead     Health = "dead"
)

// Adapter is one concrete transport attached to a session. Deliver must
// return an error when the event did not reach the observer; the broker
// counts consecutive failures and drops the adapter after three strikes.
type Adapter interface {
	// Kind reports the transport kind this adapter serves
	Kind() ChannelKind

	// Deliver pushes one event to the observer. Called from the channel's
	// own drain goroutine, never from the import loop.
	Deliver(ev Event) error

	// Close releases the underlying transport
	Close() error
}
