package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxDeliveryStrikes is how many consecutive delivery failures a channel
	// survives before it flips to dead and is dropped from fan-out
	MaxDeliveryStrikes = 3

	// redeliveryDelay spaces out attempts at a failing channel so a broken
	// observer does not spin its drain goroutine
	redeliveryDelay = 100 * time.Millisecond
)

// Channel is one observer's attachment to a session's event log. Its state
// is mutated only by the observer's own attach/detach and by the broker's
// strike accounting, never by the import loop.
type Channel struct {
	ObserverID string

	adapter Adapter

	mu      sync.Mutex
	health  Health
	strikes int
	cursor  uint64 // Highest sequence delivered so far

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Kind reports the transport kind of this channel
func (c *Channel) Kind() ChannelKind {
	return c.adapter.Kind()
}

// Health returns the channel's current delivery health
func (c *Channel) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Strikes returns the current consecutive failure count
func (c *Channel) Strikes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strikes
}

// Cursor returns the highest sequence number delivered on this channel
func (c *Channel) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Channel) stop() {
	c.once.Do(func() { close(c.done) })
}

// Broker fans every event of one session out to every attached channel,
// independent of transport kind. Publishing is fire-and-forget: a stalled or
// broken observer never blocks the caller, because each channel is drained
// from the shared log by its own goroutine at its own pace. That also keeps
// sequence numbers gapless per channel - a slow observer lags, it never
// skips.
type Broker struct {
	sessionID string
	log       *Log
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*Channel // Keyed by observer ID
}

// NewBroker creates a broker over a session's event log
func NewBroker(sessionID string, log *Log, logger *zap.SugaredLogger) *Broker {
	return &Broker{
		sessionID: sessionID,
		log:       log,
		logger:    logger.Named("broker").With("session_id", sessionID),
		channels:  make(map[string]*Channel),
	}
}

// Publish appends one event to the session log and wakes all attached
// channels. It never blocks on observer delivery.
func (b *Broker) Publish(kind Kind, counts Counts, last *RecordContext) Event {
	ev := b.log.Append(kind, counts, last)

	b.mu.RLock()
	for _, ch := range b.channels {
		select {
		case ch.notify <- struct{}{}:
		default:
			// Drain goroutine already has a wakeup pending
		}
	}
	b.mu.RUnlock()

	return ev
}

// Attach registers an observer's transport adapter and starts draining the
// session log into it from the beginning. Late attach to a completed
// session replays the full log and then ends the channel after the terminal
// event. Attaching again with the same observer ID replaces the previous
// channel.
func (b *Broker) Attach(observerID string, adapter Adapter) *Channel {
	ch := &Channel{
		ObserverID: observerID,
		adapter:    adapter,
		health:     HealthHealthy,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.channels[observerID]; ok {
		prev.stop()
	}
	b.channels[observerID] = ch
	b.mu.Unlock()

	b.logger.Debugw("Observer attached",
		"observer_id", observerID,
		"kind", adapter.Kind(),
	)

	go b.drain(ch)
	return ch
}

// Detach removes an observer's channel from fan-out
func (b *Broker) Detach(observerID string) {
	b.mu.Lock()
	ch, ok := b.channels[observerID]
	if ok {
		delete(b.channels, observerID)
	}
	b.mu.Unlock()

	if ok {
		ch.stop()
	}
}

// Channel returns the live channel for an observer, if attached
func (b *Broker) Channel(observerID string) (*Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[observerID]
	return ch, ok
}

// Observers returns the number of currently attached channels
func (b *Broker) Observers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// Close detaches every channel. It signals the drain goroutines and returns
// without waiting for them: a delivery stuck inside a broken adapter must
// never hold up the caller. Each goroutine closes its own adapter on exit.
func (b *Broker) Close() {
	b.mu.Lock()
	for id, ch := range b.channels {
		delete(b.channels, id)
		ch.stop()
	}
	b.mu.Unlock()
}

// drain delivers log events to one channel in order. Runs in the channel's
// own goroutine so transport speed never affects the import loop.
func (b *Broker) drain(ch *Channel) {
	defer ch.adapter.Close()

	for {
		events := b.log.EventsSince(ch.Cursor())

		for _, ev := range events {
			select {
			case <-ch.done:
				return
			default:
			}

			if err := ch.adapter.Deliver(ev); err != nil {
				if b.strike(ch, ev, err) {
					return // Channel is dead and dropped
				}
				// Not dead yet: retry the same event so the channel stays
				// gapless, after a short pause
				time.Sleep(redeliveryDelay)
				break
			}

			ch.mu.Lock()
			ch.strikes = 0
			ch.health = HealthHealthy
			ch.cursor = ev.Sequence
			ch.mu.Unlock()

			if ev.Kind.Terminal() {
				b.Detach(ch.ObserverID)
				b.logger.Debugw("Channel completed after terminal event",
					"observer_id", ch.ObserverID,
					"kind", ch.Kind(),
					"sequence", ev.Sequence,
				)
				return
			}
		}

		// Delivery failed mid-batch: loop again without waiting for a new
		// event, the cursor has not advanced
		if ch.Health() == HealthDegraded {
			continue
		}

		select {
		case <-ch.done:
			return
		case <-ch.notify:
		}
	}
}

// strike records one delivery failure. Returns true when the channel has
// used up its strikes and was dropped from fan-out. Transport failures stay
// invisible to the import itself - this is the only consequence they have.
func (b *Broker) strike(ch *Channel, ev Event, err error) bool {
	ch.mu.Lock()
	ch.strikes++
	strikes := ch.strikes
	if strikes >= MaxDeliveryStrikes {
		ch.health = HealthDead
	} else {
		ch.health = HealthDegraded
	}
	ch.mu.Unlock()

	if strikes >= MaxDeliveryStrikes {
		b.Detach(ch.ObserverID)
		b.logger.Warnw("Channel dead after consecutive delivery failures, dropped from fan-out",
			"observer_id", ch.ObserverID,
			"kind", ch.Kind(),
			"strikes", strikes,
			"sequence", ev.Sequence,
			"error", err,
		)
		return true
	}

	b.logger.Debugw("Channel delivery failed",
		"observer_id", ch.ObserverID,
		"kind", ch.Kind(),
		"strikes", strikes,
		"sequence", ev.Sequence,
		"error", err,
	)
	return false
}
