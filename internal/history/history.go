package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventCreated     EventType = "created"
	EventStarted     EventType = "started"
	EventStartFailed EventType = "start_failed"
	EventExited      EventType = "exited"
	EventStopped     EventType = "stopped"
	EventDeleted     EventType = "deleted"
)

// Record is the node snapshot attached to an event.
type Record struct {
	NodeID   string `json:"node_id"`
	Name     string `json:"name"`
	NodeType int    `json:"node_type"`
	PID      int    `json:"pid,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Error    bool   `json:"error"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultSendTimeout bounds a single delivery to one sink.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans events out to every configured sink in the background.
// Delivery failures are logged, never returned.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: DefaultSendTimeout, log: log}
}

// Emit queues e for every sink. A nil Recorder or one without sinks drops it.
func (r *Recorder) Emit(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range r.sinks {
		r.wg.Add(1)
		go func(s Sink) {
			defer r.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink failed", "type", e.Type, "node", e.Record.NodeID, "error", err)
			}
		}(s)
	}
}

// Flush waits for queued deliveries.
func (r *Recorder) Flush() {
	if r != nil {
		r.wg.Wait()
	}
}

// Close flushes and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.wg.Wait()
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
