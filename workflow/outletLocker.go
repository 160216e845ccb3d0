package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/sirupsen/logrus"
)

// ErrRunInProgress means another committing run holds the lease for a source.
var ErrRunInProgress = errors.New("another transfer run holds the outlet lease")

// NetworkLockScope is held, together with every active outlet id, by runs that may draw from any outlet.
const NetworkLockScope = "network"

// OutletLocker serializes committing runs per source outlet across instances.
type OutletLocker interface {
	Acquire(ctx context.Context, scopes []string, ttl time.Duration) (release func(context.Context), err error)
}

type RedisOutletLocker struct {
	Client *redislock.Client
	Logger *logrus.Logger
	Prefix string
}

func NewRedisOutletLocker(client *redislock.Client, logger *logrus.Logger) *RedisOutletLocker {
	return &RedisOutletLocker{Client: client, Logger: logger, Prefix: "transfer_run"}
}

// Acquire obtains every scope in sorted order, so two runs with overlapping scopes
// cannot deadlock. On failure the leases already held are released.
func (l *RedisOutletLocker) Acquire(ctx context.Context, scopes []string, ttl time.Duration) (func(context.Context), error) {
	keys := utils.UniqueSlice(scopes)
	sort.Strings(keys)

	opts := &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 5),
	}
	var held []*redislock.Lock
	releaseAll := func(ctx context.Context) {
		for i := len(held) - 1; i >= 0; i-- {
			if err := held[i].Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(l.Logger, "outletLocker.go", "Release", "ReleaseLease", held[i].Key(), err)
			}
		}
	}

	for _, scope := range keys {
		key := fmt.Sprintf("%s:%s", l.Prefix, scope)
		lock, err := l.Client.Obtain(ctx, key, ttl, opts)
		if errors.Is(err, redislock.ErrNotObtained) {
			releaseAll(ctx)
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, scope)
		} else if err != nil {
			releaseAll(ctx)
			config.LogError(l.Logger, "outletLocker.go", "Acquire", "ObtainLease", key, err)
			return nil, err
		}
		held = append(held, lock)
	}
	return releaseAll, nil
}
