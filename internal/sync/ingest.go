package sync

import (
	"context"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RunIngest pulls the tenant's baseline feed page by page and upserts every
// record into the mirror store. A malformed record fails alone and is
// recorded on the batch; the batch only aborts when the source itself is
// unavailable. Already-upserted rows survive an abort, so a crashed batch
// resumes by simply running again.
func RunIngest(ctx context.Context, db *gorm.DB, logger *logrus.Logger, src Source, tenantID string, pageSize int) (*models.IngestBatch, error) {
	batch := models.IngestBatch{
		BatchID:   uuid.NewString(),
		TenantID:  tenantID,
		Status:    models.BatchStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := db.Create(&batch).Error; err != nil {
		return nil, err
	}

	log := logger.WithFields(logrus.Fields{
		"module":   "sync",
		"batch_id": batch.BatchID,
		"tenant":   tenantID,
	})
	log.Info("ingest batch started")

	var sourceErr error
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			sourceErr = err
			break
		}

		page, err := src.FetchPage(ctx, cursor, pageSize)
		if err != nil {
			sourceErr = err
			log.WithField("cursor", cursor).Error("source fetch failed: " + err.Error())
			break
		}

		for _, rec := range page.Records {
			_, err := services.UpsertMirror(db, tenantID, rec.ExternalID, rec.Payload, rec.ExternalVersion, batch.BatchID)
			if err != nil {
				batch.RecordsFailed++
				reason := err.Error()
				_ = db.Create(&models.IngestFailure{
					BatchID:    batch.BatchID,
					TenantID:   tenantID,
					ExternalID: rec.ExternalID,
					Reason:     reason,
				}).Error
				log.WithFields(logrus.Fields{
					"external_id": rec.ExternalID,
					"kind":        string(types.KindOf(err)),
				}).Warn("record rejected: " + reason)
				continue
			}
			batch.RecordsUpserted++
		}

		if !page.HasMore || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	finished := time.Now().UTC()
	batch.FinishedAt = &finished
	batch.DurationMs = finished.Sub(batch.StartedAt).Milliseconds()
	batch.Status = batchStatus(batch.RecordsUpserted, batch.RecordsFailed, sourceErr)

	if err := db.Save(&batch).Error; err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status":   batch.Status,
		"upserted": batch.RecordsUpserted,
		"failed":   batch.RecordsFailed,
	}).Info("ingest batch finished")

	if sourceErr != nil {
		return &batch, sourceErr
	}
	return &batch, nil
}

func batchStatus(upserted, failed int, sourceErr error) string {
	switch {
	case sourceErr != nil && upserted == 0:
		return models.BatchStatusFailed
	case sourceErr != nil || failed > 0:
		return models.BatchStatusPartial
	default:
		return models.BatchStatusSuccess
	}
}
