package events

import (
	"context"
	"sync"
	"time"

	"github.com/flashbots/bundle-submitter/metrics"
	"go.uber.org/zap"
)

var sinkTimeout = 3 * time.Second

// Sink consumes events, e.g. to persist them or publish them to another system.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("events"),
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers an observer with the given buffer size.
// The returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking. A nil bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.IncEventsDropped()
			b.log.Warn("Subscriber is full, dropping event", zap.String("kind", string(ev.Kind())))
		}
	}
}

// Forward drains events into sink until ctx is cancelled or the channel is closed.
// Sink errors are logged and never stop the loop.
func Forward(ctx context.Context, log *zap.Logger, events <-chan Event, sink Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
			err := sink.Handle(sinkCtx, ev)
			cancel()
			if err != nil {
				metrics.IncEventSinkFailure()
				log.Warn("Failed to forward event", zap.String("kind", string(ev.Kind())), zap.Error(err))
			}
		}
	}
}
