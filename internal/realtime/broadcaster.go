package realtime

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Broadcaster delivers committed events to a board's room in commit-sequence
// order. Commits on one board are serialized by the board row lock, but the
// post-commit publishes race each other, so arrivals are re-sequenced before
// delivery.
type Broadcaster struct {
	registry   *Registry
	logger     *log.Logger
	relay      *Relay
	flushAfter time.Duration

	mu     sync.Mutex
	boards map[string]*boardSequencer
}

type boardSequencer struct {
	next    int64
	pending map[int64]Event
	timer   *time.Timer

	// queue holds in-order events awaiting fan-out. Exactly one goroutine per
	// board drains it (delivering flag), so delivery order cannot invert even
	// when racing publishes release b.mu between sequencing and fan-out.
	queue      []Event
	delivering bool
}

func NewBroadcaster(registry *Registry, logger *log.Logger) *Broadcaster {
	return &Broadcaster{
		registry:   registry,
		logger:     logger,
		flushAfter: 250 * time.Millisecond,
		boards:     make(map[string]*boardSequencer),
	}
}

// WithRelay routes publishes through redis so every instance (this one
// included) delivers from the relay subscription.
func (b *Broadcaster) WithRelay(relay *Relay) *Broadcaster {
	b.relay = relay
	return b
}

// Publish schedules delivery of a committed event. It never fails the calling
// mutation: the transaction is already durable.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) {
	if b.relay != nil {
		if err := b.relay.Publish(ctx, ev); err == nil {
			return
		}
		b.logger.WithFields(log.Fields{"board": ev.BoardID, "seq": ev.CommitSeq}).
			Warn("event relay publish failed, delivering locally")
	}
	b.Dispatch(ev)
}

// Dispatch feeds an event into the per-board sequencer. Exposed so the relay
// subscription loop can hand relayed events back in.
func (b *Broadcaster) Dispatch(ev Event) {
	b.mu.Lock()
	seq, ok := b.boards[ev.BoardID]
	if !ok {
		seq = &boardSequencer{pending: make(map[int64]Event)}
		b.boards[ev.BoardID] = seq
	}

	if seq.next == 0 {
		// First event seen for this board since startup.
		seq.next = ev.CommitSeq
	}
	if ev.CommitSeq < seq.next {
		b.mu.Unlock()
		b.logger.WithFields(log.Fields{"board": ev.BoardID, "seq": ev.CommitSeq}).
			Debug("dropping stale event")
		return
	}
	seq.pending[ev.CommitSeq] = ev
	start := b.enqueueLocked(ev.BoardID, seq)
	b.mu.Unlock()

	if start {
		b.deliverQueued(ev.BoardID)
	}
}

// enqueueLocked moves the in-order prefix onto the board's delivery queue and
// reports whether the caller should become the board's deliverer.
func (b *Broadcaster) enqueueLocked(boardID string, seq *boardSequencer) bool {
	seq.queue = append(seq.queue, b.drainLocked(boardID, seq)...)
	if len(seq.queue) == 0 || seq.delivering {
		return false
	}
	seq.delivering = true
	return true
}

// deliverQueued fans out the board's queue one event at a time, in queue
// order, until it is empty. Only the goroutine that flipped delivering runs
// here, so concurrent Dispatch calls for the same board append and return.
func (b *Broadcaster) deliverQueued(boardID string) {
	for {
		b.mu.Lock()
		seq, ok := b.boards[boardID]
		if !ok || len(seq.queue) == 0 {
			if ok {
				seq.delivering = false
			}
			b.mu.Unlock()
			return
		}
		ev := seq.queue[0]
		seq.queue = seq.queue[1:]
		b.mu.Unlock()

		b.deliver(ev)
	}
}

// drainLocked pops the in-order prefix of pending events and, if a gap
// remains, arms a flush timer so a lost publish cannot stall the room forever.
func (b *Broadcaster) drainLocked(boardID string, seq *boardSequencer) []Event {
	var ready []Event
	for {
		ev, ok := seq.pending[seq.next]
		if !ok {
			break
		}
		delete(seq.pending, seq.next)
		seq.next++
		ready = append(ready, ev)
	}
	if seq.timer != nil {
		seq.timer.Stop()
		seq.timer = nil
	}
	if len(seq.pending) > 0 {
		seq.timer = time.AfterFunc(b.flushAfter, func() { b.flush(boardID) })
	}
	return ready
}

// flush skips over a sequence gap that never filled.
func (b *Broadcaster) flush(boardID string) {
	b.mu.Lock()
	seq, ok := b.boards[boardID]
	if !ok || len(seq.pending) == 0 {
		b.mu.Unlock()
		return
	}
	lowest := int64(0)
	for n := range seq.pending {
		if lowest == 0 || n < lowest {
			lowest = n
		}
	}
	b.logger.WithFields(log.Fields{"board": boardID, "from": seq.next, "to": lowest}).
		Warn("commit sequence gap never filled, skipping forward")
	seq.next = lowest
	start := b.enqueueLocked(boardID, seq)
	b.mu.Unlock()

	if start {
		b.deliverQueued(boardID)
	}
}

// deliver fans one event out to the board's room. A failed send prunes that
// connection; it never fails the publish.
func (b *Broadcaster) deliver(ev Event) {
	for _, sub := range b.registry.Subscribers(ev.BoardID) {
		if err := sub.Deliver(ev); err != nil {
			b.registry.Unsubscribe(sub)
			b.logger.WithFields(log.Fields{"board": ev.BoardID, "seq": ev.CommitSeq}).
				WithError(err).Warn("pruning stale subscriber")
		}
	}
}
