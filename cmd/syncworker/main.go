package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/forecastworks/pfa-mirror/internal/config"
	"github.com/forecastworks/pfa-mirror/internal/database"
	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/sync"
)

// The sync worker drains committed modifications back to the external
// system on a fixed interval and re-queues errored rows whose backoff
// has elapsed. It runs alongside the API server against the same
// database.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := config.GetLogger()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	if cfg.SourceURL == "" {
		log.Fatal("SOURCE_URL must be set for the sync worker")
	}
	client, err := sync.NewClient(cfg.SourceURL, cfg.SourceAPIKey)
	if err != nil {
		log.Fatalf("Failed to create source client: %v", err)
	}

	policy := sync.RetryPolicy{
		MaxAttempts: cfg.SyncMaxAttempts,
		BaseBackoff: cfg.SyncBaseBackoff,
		MaxBackoff:  cfg.SyncMaxBackoff,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("sync worker shutting down")
		cancel()
	}()

	ticker := time.NewTicker(cfg.PushbackInterval)
	defer ticker.Stop()

	logger.WithField("interval", cfg.PushbackInterval.String()).Info("sync worker started")

	for {
		runCycle(ctx, db, logger, client, policy, cfg.PushbackBatch)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle processes every tenant that currently has work queued.
func runCycle(ctx context.Context, db *gorm.DB, logger *logrus.Logger, client *sync.Client, policy sync.RetryPolicy, batch int) {
	tenants, err := pendingTenants(db)
	if err != nil {
		logger.WithError(err).Error("failed to list tenants with pending work")
		return
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return
		}

		requeued, err := sync.ScheduleRetries(db, logger, tenant)
		if err != nil {
			logger.WithError(err).WithField("tenant_id", tenant).Error("retry scheduling failed")
		} else if requeued > 0 {
			logger.WithFields(logrus.Fields{
				"tenant_id": tenant,
				"requeued":  requeued,
			}).Info("requeued errored modifications")
		}

		result, err := sync.RunPushback(ctx, db, logger, client, tenant, policy, batch)
		if err != nil {
			logger.WithError(err).WithField("tenant_id", tenant).Error("pushback cycle failed")
			continue
		}
		if result.Synced > 0 || result.Failed > 0 {
			logger.WithFields(logrus.Fields{
				"tenant_id": tenant,
				"synced":    result.Synced,
				"failed":    result.Failed,
				"escalated": result.Escalated,
			}).Info("pushback cycle complete")
		}
	}
}

// pendingTenants returns tenants with committed or errored modifications.
func pendingTenants(db *gorm.DB) ([]string, error) {
	var tenants []string
	err := db.Model(&models.ModificationRecord{}).
		Distinct("tenant_id").
		Where("sync_state IN ?", []string{models.SyncStateCommitted, models.SyncStateSyncError}).
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}
