package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "autopost/pkg/logx"
)

const (
	defaultRedisPrefix    = "autopost:lock"
	defaultRedisOpTimeout = 3 * time.Second
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
return 0
`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

type RedisConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOpTimeout
	}
}

// RedisProvider uses SET NX PX with token-checked release and renew, for
// deployments where runners live on several hosts.
type RedisProvider struct {
	client redis.UniversalClient
	cfg    RedisConfig
	log    logx.Logger
}

// NewRedisProvider connects and pings the server.
func NewRedisProvider(ctx context.Context, cfg RedisConfig, log logx.Logger) (*RedisProvider, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisProviderWithClient(client, cfg, log), nil
}

// NewRedisProviderWithClient wraps an existing client.
func NewRedisProviderWithClient(client redis.UniversalClient, cfg RedisConfig, log logx.Logger) *RedisProvider {
	cfg.normalize()
	return &RedisProvider{client: client, cfg: cfg, log: log.With(logx.String("comp", "lock.redis"))}
}

func (p *RedisProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	ok, err := p.client.SetNX(opCtx, p.fullKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{Key: key, Token: token, ExpireAt: time.Now().UTC().Add(ttl)}, true, nil
}

func (p *RedisProvider) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	res, err := renewScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis renew: %w", err)
	}
	if res == 0 {
		return ErrLeaseLost
	}
	lease.ExpireAt = time.Now().UTC().Add(ttl)
	return nil
}

func (p *RedisProvider) Release(ctx context.Context, lease *Lease) error {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	res, err := releaseScript.Run(opCtx, p.client, []string{p.fullKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (p *RedisProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OperationTimeout)
	defer cancel()
	return p.client.Ping(opCtx).Err()
}

func (p *RedisProvider) Close() error { return p.client.Close() }

func (p *RedisProvider) fullKey(key string) string {
	return strings.TrimRight(p.cfg.Prefix, ":") + ":" + strings.TrimSpace(key)
}
