package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tradesentry/internal/event"
)

// DispatcherConfig configures delivery retries and queueing.
type DispatcherConfig struct {
	QueueSize      int           // pending deliveries before new ones drop
	Workers        int           // concurrent delivery workers
	MaxRetries     int           // attempts per delivery (default 3)
	InitialBackoff time.Duration // first retry delay (default 1s)
	MaxBackoff     time.Duration // backoff ceiling (default 30s)
	BackoffFactor  float64       // backoff multiplier (default 2.0)
	SendTimeout    time.Duration // per-attempt timeout (default 10s)
}

// DefaultDispatcherConfig returns delivery defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:      256,
		Workers:        2,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		SendTimeout:    10 * time.Second,
	}
}

type delivery struct {
	ev       *event.SecurityEvent
	channels []Channel
}

// Dispatcher fans events out to channels through a bounded queue with
// exponential-backoff retries. It implements event.Notifier.
type Dispatcher struct {
	config   DispatcherConfig
	channels []Channel
	queue    chan delivery
	dropped  uint64
	sent     uint64
	failed   uint64
	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given channels.
func NewDispatcher(cfg DispatcherConfig, channels []Channel) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		config:   cfg,
		channels: channels,
		queue:    make(chan delivery, cfg.QueueSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	slog.Info("notification dispatcher started",
		"channels", len(d.channels), "workers", d.config.Workers)
}

// Stop drains nothing: in-flight deliveries finish their current attempt
// and queued deliveries are abandoned.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Notify enqueues the event for every channel whose severity floor it
// meets. Never blocks; drops when the queue is full.
func (d *Dispatcher) Notify(ev *event.SecurityEvent) {
	var targets []Channel
	for _, ch := range d.channels {
		if ev.Severity.Rank() >= ch.MinSeverity().Rank() {
			targets = append(targets, ch)
		}
	}
	d.enqueue(ev, targets)
}

// Escalate enqueues the event for the named channels regardless of their
// severity floor.
func (d *Dispatcher) Escalate(ev *event.SecurityEvent, targets []string) {
	var chans []Channel
	for _, name := range targets {
		for _, ch := range d.channels {
			if ch.Name() == name {
				chans = append(chans, ch)
			}
		}
	}
	if len(chans) == 0 && len(targets) > 0 {
		slog.Warn("escalation targets not configured", "targets", targets)
		return
	}
	d.enqueue(ev, chans)
}

func (d *Dispatcher) enqueue(ev *event.SecurityEvent, channels []Channel) {
	if len(channels) == 0 {
		return
	}
	select {
	case d.queue <- delivery{ev: ev, channels: channels}:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		slog.Warn("notification queue full, dropping event", "event_id", ev.ID)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case del := <-d.queue:
			for _, ch := range del.channels {
				d.deliverWithRetry(ch, del.ev)
			}
		}
	}
}

// deliverWithRetry attempts delivery with exponential backoff.
func (d *Dispatcher) deliverWithRetry(ch Channel, ev *event.SecurityEvent) {
	backoff := d.config.InitialBackoff

	for attempt := 1; attempt <= d.config.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
		err := ch.Send(ctx, ev)
		cancel()

		if err == nil {
			d.mu.Lock()
			d.sent++
			d.mu.Unlock()
			slog.Debug("notification delivered",
				"channel", ch.Name(), "event_id", ev.ID, "attempts", attempt)
			return
		}

		slog.Warn("notification delivery failed",
			"channel", ch.Name(),
			"event_id", ev.ID,
			"attempt", attempt,
			"max_retries", d.config.MaxRetries,
			"error", err,
		)

		if attempt < d.config.MaxRetries {
			select {
			case <-d.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.mu.Lock()
	d.failed++
	d.mu.Unlock()
	slog.Error("notification delivery abandoned",
		"channel", ch.Name(), "event_id", ev.ID, "attempts", d.config.MaxRetries)
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]any{
		"channels": len(d.channels),
		"queued":   len(d.queue),
		"sent":     d.sent,
		"failed":   d.failed,
		"dropped":  d.dropped,
	}
}
