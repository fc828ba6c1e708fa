package sink

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"tradesentry/internal/event"
)

// ClickHouseConfig holds the ClickHouse connection and batching settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// DefaultClickHouseConfig returns default ClickHouse sink settings.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "tradesentry",
		Username:        "default",
		Table:           "security_events",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
		BatchSize:       500,
		FlushInterval:   5 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
	}
}

// ClickHouseSink batches security events into a ClickHouse table.
type ClickHouseSink struct {
	conn   driver.Conn
	config ClickHouseConfig

	buffer []*event.SecurityEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
}

// NewClickHouseSink connects to ClickHouse and starts the flush timer.
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = "security_events"
	}

	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		conn:   conn,
		config: cfg,
		buffer: make([]*event.SecurityEvent, 0, cfg.BatchSize),
	}
	s.flushTimer = time.AfterFunc(cfg.FlushInterval, s.timerFlush)

	slog.Info("clickhouse sink initialized",
		"hosts", cfg.Hosts, "database", cfg.Database, "table", cfg.Table)
	return s, nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

// Write adds the event to the batch, flushing when full.
func (s *ClickHouseSink) Write(ev *event.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("clickhouse sink is closed")
	}

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

func (s *ClickHouseSink) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if len(s.buffer) > 0 {
		if err := s.flushLocked(); err != nil {
			slog.Error("clickhouse timer flush failed", "error", err)
		}
	}
	s.flushTimer.Reset(s.config.FlushInterval)
}

// flushLocked inserts the buffered events with retries. Caller holds the
// lock.
func (s *ClickHouseSink) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	events := s.buffer
	s.buffer = make([]*event.SecurityEvent, 0, s.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.config.RetryDelay * time.Duration(attempt))
		}

		if err := s.insertBatch(events); err != nil {
			lastErr = err
			slog.Warn("clickhouse batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", s.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&s.totalWritten, uint64(len(events)))
		return nil
	}

	atomic.AddUint64(&s.totalFailed, uint64(len(events)))
	return fmt.Errorf("batch insert failed after %d retries: %w", s.config.MaxRetries, lastErr)
}

func (s *ClickHouseSink) insertBatch(events []*event.SecurityEvent) error {
	ctx, cancel := writeTimeout()
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			event_id, timestamp, type, severity, status,
			source_ip, source_user_id, source_user_agent, source_endpoint,
			description, risk_score, evidence, actions
		)
	`, s.config.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		evidence, _ := json.Marshal(ev.Details.Evidence)

		actions := make([]string, 0, len(ev.Actions))
		for _, a := range ev.Actions {
			actions = append(actions, string(a))
		}

		err := batch.Append(
			ev.ID.String(),
			ev.Timestamp,
			string(ev.Type),
			string(ev.Severity),
			string(ev.Status),
			ev.Source.IP,
			ev.Source.UserID,
			ev.Source.UserAgent,
			ev.Source.Endpoint,
			ev.Details.Description,
			uint8(event.ClampRisk(ev.Details.RiskScore)),
			string(evidence),
			actions,
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("clickhouse batch inserted", "count", len(events))
	return nil
}

// Close flushes the remaining buffer and closes the connection.
func (s *ClickHouseSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.flushTimer.Stop()
	err := s.flushLocked()
	s.mu.Unlock()

	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Stats returns sink counters.
func (s *ClickHouseSink) Stats() map[string]any {
	s.mu.Lock()
	buffered := len(s.buffer)
	s.mu.Unlock()
	return map[string]any{
		"written":  atomic.LoadUint64(&s.totalWritten),
		"failed":   atomic.LoadUint64(&s.totalFailed),
		"buffered": buffered,
	}
}
