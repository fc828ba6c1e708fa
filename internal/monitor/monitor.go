// Package monitor wires the detection engines, block registry, and event
// ledger into a single security monitoring facade.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"tradesentry/internal/behavior"
	"tradesentry/internal/blocklist"
	"tradesentry/internal/config"
	"tradesentry/internal/ddos"
	"tradesentry/internal/event"
	"tradesentry/internal/intrusion"
	"tradesentry/internal/notify"
	"tradesentry/internal/ratelimit"
	"tradesentry/internal/sink"
	"tradesentry/internal/threat"
)

// Monitor is the top-level security monitoring facade. It implements
// guard.Guard so the detectors can consult and act on live protection
// state without depending on each other.
type Monitor struct {
	config *config.Config

	rateLimiter *ratelimit.Store
	blocklist   *blocklist.Registry
	threats     *threat.Engine
	intrusion   *intrusion.Engine
	behavior    *behavior.Detector
	ddos        *ddos.Detector
	ledger      *event.Ledger
	notifier    *notify.Dispatcher
	fanout      *sink.Fanout

	cron    *cron.Cron
	started bool
}

// New assembles a monitor from configuration. External backends (Redis,
// ClickHouse, Kafka, S3) are only dialed when enabled.
func New(cfg *config.Config) (*Monitor, error) {
	m := &Monitor{config: cfg}

	var publisher blocklist.Publisher
	if cfg.Blocklist.Redis.Enabled {
		rp, err := blocklist.NewRedisPublisher(blocklist.RedisConfig{
			Addr:      cfg.Blocklist.Redis.Address,
			Password:  cfg.Blocklist.Redis.Password,
			DB:        cfg.Blocklist.Redis.DB,
			KeyPrefix: cfg.Blocklist.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("blocklist publisher: %w", err)
		}
		publisher = rp
	}
	m.blocklist = blocklist.NewRegistry(publisher)

	channels := make([]notify.Channel, 0, len(cfg.Notify.Channels))
	for _, cc := range cfg.Notify.Channels {
		minSev := cc.MinSeverity
		if minSev == "" {
			minSev = event.SeverityLow
		}
		switch cc.Type {
		case "webhook":
			channels = append(channels, notify.NewWebhookChannel(cc.Name, cc.URL, cc.Headers, minSev))
		case "shoutrrr":
			channels = append(channels, notify.NewShoutrrrChannel(cc.Name, cc.URL, minSev))
		default:
			return nil, fmt.Errorf("unknown notification channel type %q", cc.Type)
		}
	}
	m.notifier = notify.NewDispatcher(notify.DispatcherConfig{
		QueueSize:      cfg.Notify.QueueSize,
		Workers:        cfg.Notify.Workers,
		MaxRetries:     cfg.Notify.MaxRetries,
		InitialBackoff: cfg.Notify.InitialBackoff,
		MaxBackoff:     cfg.Notify.MaxBackoff,
		SendTimeout:    cfg.Notify.SendTimeout,
	}, channels)

	m.ledger = event.NewLedger(event.LedgerConfig{
		RetentionPeriod: cfg.Events.RetentionPeriod,
		MaxEvents:       cfg.Events.MaxEvents,
		QueueSize:       cfg.Events.QueueSize,
		BlockDuration:   cfg.Events.BlockDuration,
	}, m.blocklist, m.notifier)
	m.ledger.SetEscalationRules(cfg.Events.Escalations)

	m.rateLimiter = ratelimit.NewStore(m.ledger)
	m.threats = threat.NewEngine(m.ledger)
	m.intrusion = intrusion.NewEngine(cfg.Intrusion.MatchRatio)

	m.ddos = ddos.NewDetector(ddos.Config{
		Threshold:           cfg.DDoS.Threshold,
		SuspiciousThreshold: cfg.DDoS.SuspiciousThreshold,
		Window:              cfg.DDoS.Window,
		MaxConcurrent:       cfg.DDoS.MaxConcurrent,
		BlockDuration:       cfg.DDoS.BlockDuration,
		AutoBlock:           cfg.DDoS.AutoBlock,
		Whitelist:           cfg.DDoS.Whitelist,
	}, m.ledger, m)

	m.behavior = behavior.NewDetector(behavior.Config{
		Store: behavior.StoreConfig{
			TimeWindow:        cfg.Behavior.TimeWindow,
			InactivityPurge:   cfg.Behavior.InactivityPurge,
			MinBaselineSample: cfg.Behavior.MinBaselineSample,
			RiskDecay:         cfg.Behavior.RiskDecay,
		},
		Analyzer: behavior.AnalyzerConfig{
			MaxTravelSpeedKmh:   cfg.Behavior.MaxTravelSpeedKmh,
			SuspiciousCountries: cfg.Behavior.SuspiciousCountries,
			LoginHourTolerance:  cfg.Behavior.LoginHourTolerance,
			SensitiveFields:     cfg.Behavior.SensitiveFields,
		},
		FailedLoginThreshold: cfg.Behavior.FailedLoginThreshold,
		ActivityBurst:        cfg.Behavior.ActivityBurst,
		BlockThreshold:       cfg.Behavior.BlockThreshold,
		AutoBlock:            cfg.Behavior.AutoBlock,
		BlockDuration:        cfg.Behavior.BlockDuration,
	}, m.intrusion, m.ledger, m)

	if err := m.loadPatternFiles(); err != nil {
		return nil, err
	}
	if err := m.buildSinks(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadPatternFiles loads configured threat and intrusion rule files.
func (m *Monitor) loadPatternFiles() error {
	if path := m.config.Threat.PatternFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("threat patterns: %w", err)
		}
		n, err := m.threats.LoadPatterns(data)
		if err != nil {
			return fmt.Errorf("threat patterns: %w", err)
		}
		slog.Info("threat patterns loaded", "file", path, "count", n)
	}
	if path := m.config.Intrusion.PatternFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("intrusion patterns: %w", err)
		}
		n, err := m.intrusion.Load(data)
		if err != nil {
			return fmt.Errorf("intrusion patterns: %w", err)
		}
		slog.Info("intrusion patterns loaded", "file", path, "count", n)
	}
	return nil
}

// buildSinks constructs the enabled durable event sinks.
func (m *Monitor) buildSinks() error {
	var sinks []sink.Sink
	cfg := m.config.Sinks

	if cfg.ClickHouse.Enabled {
		ch, err := sink.NewClickHouseSink(sink.ClickHouseConfig{
			Hosts:         cfg.ClickHouse.Hosts,
			Database:      cfg.ClickHouse.Database,
			Username:      cfg.ClickHouse.Username,
			Password:      cfg.ClickHouse.Password,
			Table:         cfg.ClickHouse.Table,
			TLSEnabled:    cfg.ClickHouse.TLSEnabled,
			BatchSize:     cfg.ClickHouse.BatchSize,
			FlushInterval: cfg.ClickHouse.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		sinks = append(sinks, ch)
	}

	if cfg.Kafka.Enabled {
		k, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, k)
	}

	if cfg.Archive.Enabled {
		ctx, cancel := sinkInitContext()
		defer cancel()
		a, err := sink.NewArchiveSink(ctx, sink.ArchiveConfig{
			Region:          cfg.Archive.Region,
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			StorageClass:    cfg.Archive.StorageClass,
			UsePathStyle:    cfg.Archive.UsePathStyle,
			BatchSize:       cfg.Archive.BatchSize,
			FlushInterval:   cfg.Archive.FlushInterval,
		})
		if err != nil {
			return fmt.Errorf("archive sink: %w", err)
		}
		sinks = append(sinks, a)
	}

	if len(sinks) > 0 {
		m.fanout = sink.NewFanout(sinks)
	}
	return nil
}

// sinkInitContext bounds backend dialing during construction.
func sinkInitContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// Start launches the dispatcher, sinks, and maintenance schedule.
func (m *Monitor) Start() error {
	if m.started {
		return fmt.Errorf("monitor already started")
	}

	m.notifier.Start()
	if m.fanout != nil {
		m.fanout.Start(m.ledger.Events())
	}

	m.cron = cron.New()
	jobs := []struct {
		interval time.Duration
		name     string
		run      func()
	}{
		{m.config.RateLimit.SweepInterval, "ratelimit-sweep", func() { m.rateLimiter.Sweep() }},
		{m.config.Blocklist.SweepInterval, "blocklist-sweep", func() {
			m.blocklist.Sweep()
			m.snapshotGauges()
		}},
		{m.config.DDoS.CleanupInterval, "ddos-cleanup", func() { m.ddos.Cleanup() }},
		{m.config.Behavior.PruneInterval, "behavior-prune", func() {
			m.behavior.Store().Prune()
			m.behavior.Store().Purge()
		}},
		{m.config.Behavior.BaselineInterval, "behavior-baseline", func() {
			m.behavior.Store().RecomputeBaselines()
			m.behavior.Store().DecayRisk()
		}},
		{m.config.Events.CleanupInterval, "ledger-cleanup", func() { m.ledger.Cleanup() }},
	}
	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", job.interval)
		if _, err := m.cron.AddFunc(spec, recovering(job.name, job.run)); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	m.cron.Start()
	m.started = true

	slog.Info("security monitor started",
		"rate_limit", m.config.RateLimit.Enabled,
		"ddos", m.config.DDoS.Enabled,
		"behavior", m.config.Behavior.Enabled,
		"channels", len(m.config.Notify.Channels),
	)
	return nil
}

// Stop halts the schedule and flushes the delivery and sink pipelines.
func (m *Monitor) Stop() {
	if !m.started {
		return
	}
	ctx := m.cron.Stop()
	<-ctx.Done()
	if m.fanout != nil {
		m.fanout.Stop()
	}
	m.notifier.Stop()
	m.started = false
	slog.Info("security monitor stopped")
}

// recovering wraps a maintenance job so a panic in one sweep cannot kill
// the scheduler.
func recovering(name string, run func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("maintenance job panicked", "job", name, "panic", r)
			}
		}()
		run()
	}
}

// CheckRateLimit implements guard.Guard.
func (m *Monitor) CheckRateLimit(key string, limit int, window time.Duration) ratelimit.Result {
	if !m.config.RateLimit.Enabled {
		return ratelimit.Result{Allowed: true, Remaining: limit, ResetTime: time.Now().Add(window)}
	}
	if limit <= 0 {
		limit = m.config.RateLimit.DefaultLimit
	}
	if window <= 0 {
		window = m.config.RateLimit.Window
	}
	rateLimitChecksTotal.Inc()
	res := m.rateLimiter.Check(key, limit, window)
	if !res.Allowed {
		rateLimitBlockedTotal.Inc()
	}
	return res
}

// TrackConnection records a request from the source for DDoS tracking.
func (m *Monitor) TrackConnection(key string) {
	if m.config.DDoS.Enabled {
		m.ddos.TrackConnection(key)
	}
}

// ReleaseConnection marks a tracked request as finished.
func (m *Monitor) ReleaseConnection(key string) {
	if m.config.DDoS.Enabled {
		m.ddos.ReleaseConnection(key)
	}
}

// DetectDDoS implements guard.Guard.
func (m *Monitor) DetectDDoS(key string) bool {
	if !m.config.DDoS.Enabled {
		return false
	}
	ddosChecksTotal.Inc()
	attack := m.ddos.CheckForDDoS(key)
	if attack {
		ddosDetectedTotal.Inc()
	}
	return attack
}

// AnalyzeThreat scans a payload for malicious patterns.
func (m *Monitor) AnalyzeThreat(payload string, ctx threat.Context) threat.Result {
	if !m.config.Threat.Enabled {
		return threat.Result{}
	}
	threatScansTotal.Inc()
	res := m.threats.Analyze(payload, ctx)
	if res.ThreatDetected {
		threatsDetectedTotal.Inc()
	}
	return res
}

// AnalyzeLoginAttempt runs behavior analysis on an authentication attempt.
func (m *Monitor) AnalyzeLoginAttempt(userID string, attempt behavior.LoginAttempt) behavior.Result {
	if !m.config.Behavior.Enabled {
		return behavior.Result{}
	}
	loginAnalysesTotal.Inc()
	return m.behavior.AnalyzeLoginAttempt(userID, attempt)
}

// AnalyzeUserActivity runs behavior analysis on an application action.
func (m *Monitor) AnalyzeUserActivity(userID string, activity behavior.UserActivity) behavior.Result {
	if !m.config.Behavior.Enabled {
		return behavior.Result{}
	}
	activityAnalysesTotal.Inc()
	return m.behavior.AnalyzeUserActivity(userID, activity)
}

// BlockEntity implements guard.Guard.
func (m *Monitor) BlockEntity(t blocklist.EntityType, value, reason string, ttl time.Duration) uuid.UUID {
	entitiesBlockedTotal.Inc()
	return m.blocklist.Block(t, value, reason, ttl)
}

// UnblockEntity removes a block by id.
func (m *Monitor) UnblockEntity(id uuid.UUID, reason string) bool {
	return m.blocklist.Unblock(id, reason)
}

// IsBlocked implements guard.Guard.
func (m *Monitor) IsBlocked(t blocklist.EntityType, value string) bool {
	return m.blocklist.IsBlocked(t, value)
}

// Threats exposes the payload threat engine for pattern management.
func (m *Monitor) Threats() *threat.Engine { return m.threats }

// Intrusion exposes the intrusion pattern engine for pattern management.
func (m *Monitor) Intrusion() *intrusion.Engine { return m.intrusion }

// Events exposes the security event ledger.
func (m *Monitor) Events() *event.Ledger { return m.ledger }

// Blocklist exposes the block registry.
func (m *Monitor) Blocklist() *blocklist.Registry { return m.blocklist }

// snapshotGauges refreshes the registry and ledger gauges.
func (m *Monitor) snapshotGauges() {
	if stats := m.blocklist.Stats(); stats != nil {
		if total, ok := stats["total"].(int); ok {
			activeBlocks.Set(float64(total))
		}
	}
	if stats := m.ledger.Stats(); stats != nil {
		if byStatus, ok := stats["by_status"].(map[string]int); ok {
			openEvents.Set(float64(byStatus[string(event.StatusOpen)]))
		}
	}
}

// Stats aggregates statistics from every component.
func (m *Monitor) Stats() map[string]any {
	return map[string]any{
		"rate_limit": m.rateLimiter.Stats(),
		"blocklist":  m.blocklist.Stats(),
		"threats":    m.threats.Stats(),
		"intrusion":  m.intrusion.Stats(),
		"ddos":       m.ddos.Stats(),
		"behavior":   m.behavior.Store().Stats(),
		"events":     m.ledger.Stats(),
		"notify":     m.notifier.Stats(),
	}
}
