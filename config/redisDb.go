package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisLock returns nil until ConnectRedisWithRetry succeeds.
func GetRedisLock() *redislock.Client {
	return locker
}

// RedisConfigured reports whether REDIS_ADDRESS is set. Without it run leases fall
// back to MySQL advisory locks.
func RedisConfigured() bool {
	return os.Getenv("REDIS_ADDRESS") != ""
}

// ConnectRedisWithRetry connects the lease backend. It gives up after
// REDIS_CONNECT_ATTEMPTS (default 5) so a missing Redis cannot hang startup.
func ConnectRedisWithRetry(ctx context.Context) error {
	addr := os.Getenv("REDIS_ADDRESS")
	attempts := intFromEnv("REDIS_CONNECT_ATTEMPTS", 5)
	fields := logrus.Fields{"field": "redis", "addr": addr}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: 20,
	})
	for attempt := 1; ; attempt++ {
		err := client.Ping(ctx).Err()
		if err == nil {
			rdb, locker = client, redislock.New(client)
			logg.WithFields(fields).WithField("attempt", attempt).Info("redis connected")
			return nil
		}
		if attempts > 0 && attempt >= attempts {
			_ = client.Close()
			return fmt.Errorf("connect redis %s after %d attempts: %w", addr, attempt, err)
		}
		sleep := retryDelay(attempt)
		logg.WithFields(fields).WithField("attempt", attempt).Warnf("redis connect failed: %v; retrying in %s", err, sleep)
		select {
		case <-ctx.Done():
			_ = client.Close()
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
