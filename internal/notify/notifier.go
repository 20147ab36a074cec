package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/optn/house-engine/internal/metrics"
)

// Sink is one delivery channel (WebSocket, Redis, SQLite journal...).
type Sink interface {
	// Publish delivers events in order.
	Publish(ctx context.Context, events []Event) error
	// Name identifies the sink in logs and metrics.
	Name() string
}

// Publisher is what the engine emits events through.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Fanout delivers every event batch to all of its sinks. A failing sink is
// logged and counted and does not stop delivery to the others.
type Fanout struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

// NewFanout creates a Fanout over sinks.
func NewFanout(sinks []Sink, logger *slog.Logger) *Fanout {
	return &Fanout{
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish does not inherit the caller's cancellation: the mutation the
// events describe has already committed.
func (f *Fanout) Publish(ctx context.Context, events ...Event) {
	if len(events) == 0 || len(f.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
	defer cancel()

	for _, s := range f.sinks {
		if err := s.Publish(ctx, events); err != nil {
			metrics.NotifyFailures.WithLabelValues(s.Name()).Inc()
			f.logger.ErrorContext(ctx, "sink failed",
				slog.String("sink", s.Name()),
				slog.Int("events", len(events)),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.logger.DebugContext(ctx, "events delivered",
			slog.String("sink", s.Name()),
			slog.Int("events", len(events)),
		)
	}
}

// MemorySink keeps every delivered event. Used in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Publish(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

// Events returns a copy of everything delivered so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Reset forgets all delivered events.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}

var (
	_ Publisher = (*Fanout)(nil)
	_ Publisher = Nop{}
	_ Sink      = (*MemorySink)(nil)
)
