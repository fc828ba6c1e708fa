package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"tradesentry/internal/event"
)

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Region           string        `yaml:"region"`
	Bucket           string        `yaml:"bucket"`
	Prefix           string        `yaml:"prefix"`
	Endpoint         string        `yaml:"endpoint,omitempty"`
	AccessKeyID      string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey  string        `yaml:"secret_access_key,omitempty"`
	SessionToken     string        `yaml:"session_token,omitempty"`
	StorageClass     string        `yaml:"storage_class"`
	UsePathStyle     bool          `yaml:"use_path_style"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
}

// DefaultArchiveConfig returns default archive settings.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Region:           "us-east-1",
		Bucket:           "tradesentry-archive",
		Prefix:           "events/",
		StorageClass:     "INTELLIGENT_TIERING",
		BatchSize:        1000,
		FlushInterval:    5 * time.Minute,
		RetryMaxAttempts: 3,
	}
}

// storageClass maps the configured name to the S3 type, defaulting to
// STANDARD for unknown values.
func (c ArchiveConfig) storageClass() types.StorageClass {
	for _, sc := range types.StorageClassStandard.Values() {
		if string(sc) == c.StorageClass {
			return sc
		}
	}
	return types.StorageClassStandard
}

// ArchiveSink batches events into gzipped JSON-lines objects under a
// time-partitioned key layout (prefix/YYYY/MM/DD/<timestamp>.json.gz).
type ArchiveSink struct {
	client *s3.Client
	config ArchiveConfig

	buffer []*event.SecurityEvent
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	objectsUploaded atomic.Int64
	eventsArchived  atomic.Int64
	errors          atomic.Int64
}

// NewArchiveSink creates an S3-backed archive sink.
func NewArchiveSink(ctx context.Context, cfg ArchiveConfig) (*ArchiveSink, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("archive sink: region is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive sink: bucket is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive sink: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &ArchiveSink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		buffer: make([]*event.SecurityEvent, 0, cfg.BatchSize),
	}
	a.flushTimer = time.AfterFunc(cfg.FlushInterval, a.timerFlush)

	slog.Info("s3 archive sink initialized",
		"bucket", cfg.Bucket, "region", cfg.Region, "prefix", cfg.Prefix)
	return a, nil
}

func (a *ArchiveSink) Name() string { return "s3-archive" }

// Write buffers the event, uploading when the batch fills.
func (a *ArchiveSink) Write(ev *event.SecurityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("archive sink is closed")
	}

	a.buffer = append(a.buffer, ev)
	if len(a.buffer) >= a.config.BatchSize {
		return a.flushLocked()
	}
	return nil
}

func (a *ArchiveSink) timerFlush() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if len(a.buffer) > 0 {
		if err := a.flushLocked(); err != nil {
			slog.Error("archive flush failed", "error", err)
		}
	}
	a.flushTimer.Reset(a.config.FlushInterval)
}

// flushLocked gzips the buffered events as JSON lines and uploads one
// object. Caller holds the lock.
func (a *ArchiveSink) flushLocked() error {
	if len(a.buffer) == 0 {
		return nil
	}

	events := a.buffer
	a.buffer = make([]*event.SecurityEvent, 0, a.config.BatchSize)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			a.errors.Add(1)
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		a.errors.Add(1)
		return fmt.Errorf("failed to finalize gzip: %w", err)
	}

	now := time.Now().UTC()
	key := fmt.Sprintf("%s%s/%d.json.gz",
		a.config.Prefix, now.Format("2006/01/02"), now.UnixNano())

	ctx, cancel := writeTimeout()
	defer cancel()

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.config.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/gzip"),
		ContentEncoding: aws.String("gzip"),
		StorageClass:    a.config.storageClass(),
	})
	if err != nil {
		a.errors.Add(1)
		return fmt.Errorf("failed to upload archive object: %w", err)
	}

	a.objectsUploaded.Add(1)
	a.eventsArchived.Add(int64(len(events)))
	slog.Debug("archive object uploaded",
		"key", key, "events", len(events), "bytes", buf.Len())
	return nil
}

// Close flushes the remaining buffer.
func (a *ArchiveSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.flushTimer.Stop()
	return a.flushLocked()
}

// Stats returns archive counters.
func (a *ArchiveSink) Stats() map[string]any {
	a.mu.Lock()
	buffered := len(a.buffer)
	a.mu.Unlock()
	return map[string]any{
		"objects_uploaded": a.objectsUploaded.Load(),
		"events_archived":  a.eventsArchived.Load(),
		"errors":           a.errors.Load(),
		"buffered":         buffered,
	}
}
