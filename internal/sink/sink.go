// Package sink streams recorded security events to durable backends:
// ClickHouse for analytics, Kafka for downstream consumers, and S3 for
// long-term archive.
package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradesentry/internal/event"
)

// Sink receives each recorded security event. Write must not block
// indefinitely; implementations buffer internally.
type Sink interface {
	Name() string
	Write(ev *event.SecurityEvent) error
	Close() error
}

// Fanout consumes the ledger's event stream and copies each event to
// every sink. A failing sink is logged and skipped, never retried here;
// sinks own their retry policy.
type Fanout struct {
	sinks    []Sink
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFanout creates a fanout over the given sinks.
func NewFanout(sinks []Sink) *Fanout {
	return &Fanout{
		sinks:  sinks,
		stopCh: make(chan struct{}),
	}
}

// Start consumes events from the stream until Stop is called.
func (f *Fanout) Start(events <-chan *event.SecurityEvent) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				for _, s := range f.sinks {
					if err := s.Write(ev); err != nil {
						slog.Warn("sink write failed",
							"sink", s.Name(), "event_id", ev.ID, "error", err)
					}
				}
			}
		}
	}()
	slog.Info("event sink fanout started", "sinks", len(f.sinks))
}

// Stop halts consumption and closes every sink, flushing buffered data.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			slog.Error("sink close failed", "sink", s.Name(), "error", err)
		}
	}
}

// writeTimeout bounds a single backend call.
func writeTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}
