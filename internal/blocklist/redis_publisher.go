package blocklist

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the blocklist publisher.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultRedisConfig returns default Redis publisher settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "tradesentry:blocklist",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisPublisher mirrors block records into Redis keys so edge proxies can
// enforce the blocklist without calling into this process. Record TTLs are
// carried through to the Redis keys, so expiry needs no extra bookkeeping.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisPublisher{client: client, prefix: cfg.KeyPrefix}, nil
}

func (p *RedisPublisher) key(entity *BlockedEntity) string {
	return fmt.Sprintf("%s:%s:%s:%s", p.prefix, entity.Type, entity.Value, entity.ID)
}

// Publish writes a block record keyed by type, value, and record ID.
func (p *RedisPublisher) Publish(ctx context.Context, entity *BlockedEntity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal block record: %w", err)
	}

	var ttl time.Duration
	if entity.ExpiresAt != nil {
		ttl = time.Until(*entity.ExpiresAt)
		if ttl <= 0 {
			return nil // already lapsed, nothing to mirror
		}
	}
	return p.client.Set(ctx, p.key(entity), payload, ttl).Err()
}

// Revoke deletes the mirrored record.
func (p *RedisPublisher) Revoke(ctx context.Context, entity *BlockedEntity) error {
	return p.client.Del(ctx, p.key(entity)).Err()
}

// Close releases the Redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
