// Package app assembles the engine from configuration for the service and the CLI.
package app

import (
	"context"
	"os"
	"strings"

	"github.com/mmdatafocus/transfer_engine/advisor"
	"github.com/mmdatafocus/transfer_engine/config"
	"github.com/mmdatafocus/transfer_engine/models"
	"github.com/mmdatafocus/transfer_engine/ordersync"
	"github.com/mmdatafocus/transfer_engine/transferapi"
	"github.com/mmdatafocus/transfer_engine/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App struct {
	DB          *gorm.DB
	Logger      *logrus.Logger
	Policy      config.EnginePolicy
	Sync        config.SyncConfig
	Advisor     *advisor.Client
	Locker      workflow.OutletLocker
	Runs        *workflow.Orchestrator
	Transfers   *workflow.TransferService
	Coordinator *ordersync.Coordinator
	Publisher   ordersync.Publisher
	RetryWorker *ordersync.RetryWorker
}

// Connect opens the database (and Redis when REDIS_ADDRESS is set) and migrates
// unless SKIP_MIGRATIONS=true. A Redis that cannot be reached only costs the lease backend.
func Connect(ctx context.Context, logger *logrus.Logger) error {
	if err := config.ConnectDatabaseWithRetry(); err != nil {
		return err
	}
	if config.RedisConfigured() {
		if err := config.ConnectRedisWithRetry(ctx); err != nil {
			config.LogError(logger, "app.go", "Connect", "ConnectRedis", nil, err)
		}
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		return nil
	}
	return models.MigrateTable(config.GetDB())
}

// New wires every component on db. The sync transport is only opened when
// SYNC_TRANSPORT names one.
func New(ctx context.Context, db *gorm.DB, logger *logrus.Logger) (*App, error) {
	policy, err := config.LoadEnginePolicy()
	if err != nil {
		return nil, err
	}
	syncCfg := config.LoadSyncConfig()

	a := &App{
		DB:      db,
		Logger:  logger,
		Policy:  policy,
		Sync:    syncCfg,
		Advisor: advisor.NewClient(config.LoadAdvisorConfig(), logger),
	}
	if lockClient := config.GetRedisLock(); lockClient != nil {
		a.Locker = workflow.NewRedisOutletLocker(lockClient, logger)
	} else if db.Dialector.Name() == "mysql" {
		a.Locker = workflow.NewMySQLOutletLocker(db, logger)
	} else {
		logger.WithFields(logrus.Fields{"field": "app"}).Warn("no lock backend; committing runs are not leased")
	}

	a.Publisher, err = ordersync.NewPublisher(ctx, syncCfg)
	if err != nil {
		return nil, err
	}

	a.Runs = workflow.NewOrchestrator(db, policy, logger)
	a.Runs.Advisor = a.Advisor
	a.Runs.Locker = a.Locker
	if a.Publisher != nil {
		a.Runs.Notifier = &ordersync.CommitNotifier{Publisher: a.Publisher, Enabled: config.SyncPushOnCommit}
	}

	a.Transfers = workflow.NewTransferService(db, policy, logger)
	a.Transfers.Locker = a.Locker

	a.Coordinator = ordersync.NewCoordinator(db, ordersync.NewClient(syncCfg), a.Transfers, a.Advisor, syncCfg, logger)
	a.RetryWorker = ordersync.NewRetryWorker(a.Coordinator, syncCfg, logger)
	return a, nil
}

func (a *App) Handler() *transferapi.Handler {
	return &transferapi.Handler{DB: a.DB, Runs: a.Runs, Sync: a.Coordinator, Logger: a.Logger}
}

func (a *App) Close() error {
	var err error
	if a.Publisher != nil {
		err = a.Publisher.Close()
	}
	config.CloseClients()
	return err
}
