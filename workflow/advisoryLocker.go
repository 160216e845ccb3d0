package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MySQLOutletLocker leases scopes with MySQL advisory locks when Redis is not configured.
// GET_LOCK is connection-scoped, so every lease of one Acquire lives on a single pinned connection.
type MySQLOutletLocker struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Prefix string
	// Wait is how long GET_LOCK blocks before the scope counts as busy.
	Wait time.Duration
}

func NewMySQLOutletLocker(db *gorm.DB, logger *logrus.Logger) *MySQLOutletLocker {
	return &MySQLOutletLocker{DB: db, Logger: logger, Prefix: "transfer_run", Wait: time.Second}
}

// Acquire ignores ttl: advisory locks end with the connection, which release closes.
func (l *MySQLOutletLocker) Acquire(ctx context.Context, scopes []string, _ time.Duration) (func(context.Context), error) {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		config.LogError(l.Logger, "advisoryLocker.go", "Acquire", "PinConnection", scopes, err)
		return nil, err
	}

	keys := utils.UniqueSlice(scopes)
	sort.Strings(keys)

	var held []string
	releaseAll := func(ctx context.Context) {
		for i := len(held) - 1; i >= 0; i-- {
			var ok sql.NullInt64
			if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", held[i]).Scan(&ok); err != nil {
				config.LogError(l.Logger, "advisoryLocker.go", "Release", "ReleaseLock", held[i], err)
			}
		}
		_ = conn.Close()
	}

	for _, scope := range keys {
		name := fmt.Sprintf("%s:%s", l.Prefix, scope)
		var ok sql.NullInt64
		if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, int(l.Wait.Seconds())).Scan(&ok); err != nil {
			releaseAll(ctx)
			config.LogError(l.Logger, "advisoryLocker.go", "Acquire", "GetLock", name, err)
			return nil, err
		}
		if !ok.Valid || ok.Int64 != 1 {
			releaseAll(ctx)
			return nil, fmt.Errorf("%w: %s", ErrRunInProgress, scope)
		}
		held = append(held, name)
	}
	return releaseAll, nil
}
