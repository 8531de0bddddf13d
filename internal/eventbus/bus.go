package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "taskcore/pkg/logx"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped reports the total number of events discarded because a
	// subscriber's buffer was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines. Pass a logger to
// surface drop warnings; warnings are rate limited so a stuck subscriber
// cannot flood the log.
func New(log logx.Logger) Bus {
	return &memBus{
		subs:     map[uint64]chan Event{},
		log:      log,
		warnOnce: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped  atomic.Uint64
	log      logx.Logger
	warnOnce *rate.Limiter
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.noteDrop(e.Type)
			}
		}()
	}
}

func (b *memBus) noteDrop(eventType string) {
	n := b.dropped.Add(1)
	if !b.log.IsZero() && b.warnOnce.Allow() {
		b.log.Warn("event dropped: slow subscriber",
			logx.String("type", eventType),
			logx.Uint64("dropped_total", n),
		)
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
