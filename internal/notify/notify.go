// Package notify fans proactive events out to every surface that has
// registered a delivery sink (chat channels, web sockets).
//
// Delivery is best-effort: a sink that returns an error is removed so a
// dead surface cannot stall future broadcasts.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// Sink delivers one event to a single surface.
type Sink func(ctx context.Context, event models.NotificationEvent) error

type subscriber struct {
	id   uint64
	name string
	sink Sink
}

// Broadcaster distributes notification events to registered sinks.
type Broadcaster struct {
	mu     sync.Mutex
	nextID uint64
	sinks  []subscriber
	logger *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{logger: logger.With("component", "notify")}
}

// Subscribe registers a sink under a diagnostic name and returns a
// function that removes it.
func (b *Broadcaster) Subscribe(name string, sink Sink) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.sinks = append(b.sinks, subscriber{id: id, name: name, sink: sink})

	return func() { b.remove(id) }
}

func (b *Broadcaster) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.sinks {
		if s.id == id {
			b.sinks = append(b.sinks[:i], b.sinks[i+1:]...)
			return
		}
	}
}

// Broadcast delivers event to every registered sink. Sinks registered
// or removed while a broadcast is in flight do not affect the current
// iteration; failing sinks are dropped before the next one.
func (b *Broadcaster) Broadcast(ctx context.Context, event models.NotificationEvent) {
	b.mu.Lock()
	snapshot := make([]subscriber, len(b.sinks))
	copy(snapshot, b.sinks)
	b.mu.Unlock()

	for _, s := range snapshot {
		if err := s.sink(ctx, event); err != nil {
			b.logger.Warn("notification sink failed, removing",
				"sink", s.name,
				"event", event.Kind,
				"error", err)
			b.remove(s.id)
		}
	}
}

// Len reports the number of registered sinks.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}
