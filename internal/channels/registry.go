package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jedikim/jedisos-sub000/pkg/models"
)

// RecentWindow bounds how long a chat stays eligible for notification
// delivery after its last inbound message.
const RecentWindow = 24 * time.Hour

// Registry tracks the running adapters and the recently active chats
// each one can still reach. The recent-chat sets feed notification
// fan-out.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	recent   map[string]map[string]time.Time
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry returns an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		recent:   make(map[string]map[string]time.Time),
		window:   RecentWindow,
		logger:   logger.With("component", "channels"),
		now:      time.Now,
	}
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("channels: nil adapter")
	}
	name := a.Name()
	if name == "" {
		return errors.New("channels: adapter has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("channels: adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports how many adapters are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// StartAll starts every adapter in registration order. If one fails,
// the already-started adapters are stopped and the error returned.
func (r *Registry) StartAll(ctx context.Context, handler Handler) error {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	r.mu.RUnlock()

	started := make([]Adapter, 0, len(names))
	for _, name := range names {
		a := adapters[name]
		if err := a.Start(ctx, handler); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					r.logger.Error("stop after failed start",
						"adapter", started[i].Name(),
						"error", stopErr)
				}
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		r.logger.Info("adapter started", "adapter", name)
		started = append(started, a)
	}
	return nil
}

// StopAll stops every adapter, collecting errors.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	r.mu.RUnlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		if err := adapters[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Touch records that userID just messaged through the named channel,
// keeping the chat eligible for notification delivery.
func (r *Registry) Touch(channel, userID string) {
	if channel == "" || userID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chats := r.recent[channel]
	if chats == nil {
		chats = make(map[string]time.Time)
		r.recent[channel] = chats
	}
	chats[userID] = r.now()
}

// RecentChats returns the user ids that messaged through the named
// channel inside the recent window, pruning expired entries. The
// result is sorted for stable iteration.
func (r *Registry) RecentChats(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	chats := r.recent[channel]
	if len(chats) == 0 {
		return nil
	}
	cutoff := r.now().Add(-r.window)
	out := make([]string, 0, len(chats))
	for userID, seen := range chats {
		if seen.Before(cutoff) {
			delete(chats, userID)
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Sink returns a notification sink that delivers the event message to
// every recent chat of the named adapter. Per-user delivery failures
// are logged and swallowed so one unreachable chat cannot unsubscribe
// the whole adapter.
func (r *Registry) Sink(name string) func(ctx context.Context, event models.NotificationEvent) error {
	return func(ctx context.Context, event models.NotificationEvent) error {
		adapter, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("channels: adapter %q not registered", name)
		}
		for _, userID := range r.RecentChats(name) {
			if err := adapter.Deliver(ctx, userID, event.Message); err != nil {
				r.logger.Warn("notification delivery failed",
					"adapter", name,
					"user_id", userID,
					"kind", event.Kind,
					"error", err)
			}
		}
		return nil
	}
}
