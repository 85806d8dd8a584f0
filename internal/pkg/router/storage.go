package router

import (
	"net"
	"strconv"

	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
	"github.com/ManuelReschke/PayFox/internal/pkg/env"
)

// NewLimiterStorage stores rate limit counters in redis database 2 so
// every instance shares them.
func NewLimiterStorage() *redis.Storage {
	opts := cache.Options()
	host, port := "localhost", 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: int(env.GetEnvInt64("LIMITER_REDIS_DB", 2)),
		Reset:    false,
	})
}
