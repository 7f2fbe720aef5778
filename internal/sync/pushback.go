package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/services"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// PushbackResult reports one drain pass over committed modifications.
type PushbackResult struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
}

// RunPushback drains up to limit committed modifications for the tenant and
// applies each one's modified fields to the external target. Rows move
// committed -> syncing -> synced, or to sync_error with the transient/
// conflict distinction preserved for retry tooling. A crashed pass leaves
// synced rows synced and the remainder committed, so it is safe to rerun.
func RunPushback(ctx context.Context, db *gorm.DB, logger *logrus.Logger, target Target, tenantID string, policy RetryPolicy, limit int) (PushbackResult, error) {
	var result PushbackResult

	var committed []models.ModificationRecord
	err := db.Where("tenant_id = ? AND sync_state = ?", tenantID, models.SyncStateCommitted).
		Order("committed_at").
		Limit(limit).
		Find(&committed).Error
	if err != nil {
		return result, err
	}

	log := logger.WithFields(logrus.Fields{"module": "sync", "tenant": tenantID})

	for i := range committed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		mod := &committed[i]

		claimed, err := services.Transition(db, mod.ModificationID, models.SyncStateCommitted, models.SyncStateSyncing)
		if err != nil {
			// Lost the row to a concurrent drain; skip it.
			if types.IsKind(err, types.KindIllegalTransition) {
				continue
			}
			return result, err
		}

		mirror, err := services.GetMirrorByID(db, tenantID, claimed.MirrorID)
		if err != nil {
			markSyncError(db, log, claimed, policy, err)
			result.Failed++
			continue
		}

		fields, err := fieldPatch(claimed)
		if err != nil {
			markSyncError(db, log, claimed, policy, err)
			result.Failed++
			continue
		}

		if err := target.Apply(ctx, mirror.ExternalID, fields); err != nil {
			escalated := markSyncError(db, log, claimed, policy, err)
			result.Failed++
			if escalated {
				result.Escalated++
			}
			continue
		}

		if _, err := services.Transition(db, claimed.ModificationID, models.SyncStateSyncing, models.SyncStateSynced); err != nil {
			return result, err
		}
		result.Synced++
	}

	return result, nil
}

// fieldPatch extracts exactly the modified fields from the delta document.
// The push-back pipeline must send only what the user changed.
func fieldPatch(mod *models.ModificationRecord) (map[string]json.RawMessage, error) {
	var fields []string
	if err := json.Unmarshal([]byte(mod.ModifiedFields.JSON), &fields); err != nil {
		return nil, err
	}
	patch := make(map[string]json.RawMessage, len(fields))
	for _, f := range fields {
		v := gjson.GetBytes([]byte(mod.Delta.JSON), f)
		if !v.Exists() {
			continue
		}
		patch[f] = json.RawMessage(v.Raw)
	}
	return patch, nil
}

// markSyncError moves a syncing row to sync_error with retry bookkeeping.
// Conflicts escalate immediately: retrying cannot help until the delta is
// re-derived. Transients get a backoff schedule until the budget runs out.
// Returns whether the row is now escalated.
func markSyncError(db *gorm.DB, log *logrus.Entry, mod *models.ModificationRecord, policy RetryPolicy, cause error) bool {
	if _, err := services.Transition(db, mod.ModificationID, models.SyncStateSyncing, models.SyncStateSyncError); err != nil {
		log.WithField("modification_id", mod.ModificationID).Error("failed to record sync error: " + err.Error())
		return false
	}

	code := models.SyncErrorCodeTransient
	escalated := false
	var nextAttemptAt *time.Time
	retryCount := mod.RetryCount

	if types.IsKind(cause, types.KindExternalConflict) {
		code = models.SyncErrorCodeConflict
		escalated = true
	} else {
		retryCount++
		if policy.Exhausted(retryCount) {
			escalated = true
		} else {
			t := time.Now().UTC().Add(policy.Backoff(retryCount))
			nextAttemptAt = &t
		}
	}

	err := db.Model(&models.ModificationRecord{}).
		Where("modification_id = ?", mod.ModificationID).
		Updates(map[string]interface{}{
			"sync_error_code":    code,
			"sync_error_message": cause.Error(),
			"retry_count":        retryCount,
			"escalated":          escalated,
			"next_attempt_at":    nextAttemptAt,
		}).Error
	if err != nil {
		log.WithField("modification_id", mod.ModificationID).Error("failed to update retry bookkeeping: " + err.Error())
	}

	log.WithFields(logrus.Fields{
		"modification_id": mod.ModificationID,
		"mirror_id":       mod.MirrorID,
		"error_code":      code,
		"retry_count":     retryCount,
		"escalated":       escalated,
	}).Error("push-back failed: " + cause.Error())

	return escalated
}

// ScheduleRetries promotes sync_error rows whose backoff delay elapsed back
// to committed so the next drain picks them up. Escalated rows are left for
// operators.
func ScheduleRetries(db *gorm.DB, logger *logrus.Logger, tenantID string) (int, error) {
	var due []models.ModificationRecord
	err := db.Where("tenant_id = ? AND sync_state = ? AND escalated = ? AND next_attempt_at <= ?",
		tenantID, models.SyncStateSyncError, false, time.Now().UTC()).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	retried := 0
	for i := range due {
		if _, err := services.Transition(db, due[i].ModificationID, models.SyncStateSyncError, models.SyncStateCommitted); err != nil {
			logger.WithFields(logrus.Fields{
				"module":          "sync",
				"modification_id": due[i].ModificationID,
			}).Warn("scheduled retry skipped: " + err.Error())
			continue
		}
		retried++
	}
	return retried, nil
}

// RetryModification is the manual retry path: an operator moves one
// sync_error row back to committed regardless of its backoff schedule.
// Escalated rows are refused; they need a new delta or explicit triage.
func RetryModification(db *gorm.DB, tenantID string, modificationID uint64) (*models.ModificationRecord, error) {
	mod, err := services.GetModification(db, tenantID, modificationID)
	if err != nil {
		return nil, err
	}
	if mod.Escalated {
		return nil, types.NewValidation("modification %d is escalated (%s) and cannot be auto-retried",
			modificationID, mod.SyncErrorCode)
	}
	return services.Transition(db, modificationID, models.SyncStateSyncError, models.SyncStateCommitted)
}
