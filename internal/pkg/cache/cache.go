package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

const lockPrefix = "payfox:lock:"

var (
	client *redis.Client
	ctx    = context.Background()
)

// Options builds the redis options from CACHE_* settings.
func Options() *redis.Options {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       int(env.GetEnvInt64("CACHE_DB", 0)),
	}
}

// SetupCache initializes the connection to the Redis server
func SetupCache() {
	client = redis.NewClient(Options())

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	pong, err := client.Ping(pctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to redis at %s: %v", client.Options().Addr, err)
	} else {
		log.Infof("[Cache] Connected to redis: %s", pong)
	}
}

// GetClient returns the Redis client instance
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Close releases the shared client
func Close() error {
	if client == nil {
		return nil
	}
	err := client.Close()
	client = nil
	return err
}

// Locker takes short-lived exclusive keys in redis.
type Locker struct {
	client *redis.Client
}

func NewLocker(c *redis.Client) *Locker {
	return &Locker{client: c}
}

// Acquire reports whether key was free and is now held for ttl.
func (l *Locker) Acquire(c context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(c, lockPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (l *Locker) Release(c context.Context, key string) error {
	return l.client.Del(c, lockPrefix+key).Err()
}
