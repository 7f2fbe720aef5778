package services

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertDraft merges deltaPatch into the caller's draft row for
// (mirrorID, userID, sessionID), creating the row on first edit with
// baseVersion set to the mirror's current revision. The merge is per field:
// keys in the patch overwrite previously drafted values, unrelated drafted
// fields are kept. The mirror row is locked first so concurrent saves from
// the same session serialize instead of losing updates.
func UpsertDraft(db *gorm.DB, mirrorID uint64, tenantID, userID, sessionID string, deltaPatch []byte, reason string) (*models.ModificationRecord, error) {
	keys := deltaKeys(deltaPatch)
	if len(keys) == 0 {
		return nil, types.NewValidation("draft patch is empty")
	}

	var result models.ModificationRecord

	err := db.Transaction(func(tx *gorm.DB) error {
		var mirror models.MirrorRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND mirror_id = ?", tenantID, mirrorID).
			First(&mirror).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewNotFound("mirror %d not found", mirrorID)
			}
			return err
		}

		var draft models.ModificationRecord
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("mirror_id = ? AND user_id = ? AND session_id = ? AND sync_state = ?",
				mirrorID, userID, sessionID, models.SyncStateDraft).
			First(&draft).Error

		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			fieldsJSON, merr := json.Marshal(keys)
			if merr != nil {
				return merr
			}
			result = models.ModificationRecord{
				MirrorID:       mirrorID,
				TenantID:       tenantID,
				UserID:         userID,
				SessionID:      sessionID,
				Delta:          models.JSON{JSON: datatypes.JSON(deltaPatch)},
				ModifiedFields: models.JSON{JSON: datatypes.JSON(fieldsJSON)},
				SyncState:      models.SyncStateDraft,
				BaseVersion:    mirror.Revision,
				CurrentVersion: 1,
				ChangeReason:   reason,
			}
			return tx.Create(&result).Error
		}

		merged, merr := OverlayDelta([]byte(draft.Delta.JSON), deltaPatch)
		if merr != nil {
			return merr
		}
		var existingFields []string
		if err := json.Unmarshal([]byte(draft.ModifiedFields.JSON), &existingFields); err != nil {
			return err
		}
		fieldsJSON, merr := json.Marshal(unionFields(existingFields, keys))
		if merr != nil {
			return merr
		}

		draft.Delta = models.JSON{JSON: datatypes.JSON(merged)}
		draft.ModifiedFields = models.JSON{JSON: datatypes.JSON(fieldsJSON)}
		draft.CurrentVersion++
		if reason != "" {
			draft.ChangeReason = reason
		}
		if err := tx.Save(&draft).Error; err != nil {
			return err
		}
		result = draft
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// GetActiveModification returns the caller's modification for a mirror row
// whose delta still overlays merged views (draft, committed or syncing), or
// nil when the caller has none.
func GetActiveModification(db *gorm.DB, mirrorID uint64, userID string) (*models.ModificationRecord, error) {
	var mod models.ModificationRecord
	err := db.Where("mirror_id = ? AND user_id = ? AND sync_state IN ?",
		mirrorID, userID, models.ActiveSyncStates).
		Order("modification_id DESC").
		First(&mod).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mod, nil
}

// ListModifications returns the caller's full modification trail for a
// mirror row, newest first. Terminal rows are included for audit.
func ListModifications(db *gorm.DB, tenantID, userID string, mirrorID uint64) ([]models.ModificationRecord, error) {
	if _, err := GetMirrorByID(db, tenantID, mirrorID); err != nil {
		return nil, err
	}
	var rows []models.ModificationRecord
	err := db.Where("mirror_id = ? AND tenant_id = ? AND user_id = ?", mirrorID, tenantID, userID).
		Order("modification_id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GetModification fetches one modification row scoped to the tenant.
func GetModification(db *gorm.DB, tenantID string, modificationID uint64) (*models.ModificationRecord, error) {
	var mod models.ModificationRecord
	err := db.Where("tenant_id = ? AND modification_id = ?", tenantID, modificationID).First(&mod).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("modification %d not found", modificationID)
		}
		return nil, err
	}
	return &mod, nil
}

// Transition moves a modification along a legal state-machine edge. It is
// the only code path that writes sync_state. The row must currently be in
// the from state; a compare-and-set guards against concurrent transitions.
func Transition(db *gorm.DB, modificationID uint64, from, to string) (*models.ModificationRecord, error) {
	if !models.TransitionAllowed(from, to) {
		return nil, types.NewIllegalTransition(from, to)
	}

	var result models.ModificationRecord

	err := db.Transaction(func(tx *gorm.DB) error {
		var mod models.ModificationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("modification_id = ?", modificationID).
			First(&mod).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewNotFound("modification %d not found", modificationID)
			}
			return err
		}
		if mod.SyncState != from {
			return types.NewIllegalTransition(mod.SyncState, to)
		}

		now := time.Now().UTC()
		mod.SyncState = to
		mod.CurrentVersion++
		switch to {
		case models.SyncStateCommitted:
			if from == models.SyncStateDraft {
				mod.CommittedAt = &now
			}
			// Retry edge: clear the error bookkeeping.
			if from == models.SyncStateSyncError {
				mod.SyncErrorCode = ""
				mod.SyncErrorMessage = ""
				mod.NextAttemptAt = nil
			}
		case models.SyncStateSynced:
			mod.SyncedAt = &now
		}

		if err := tx.Save(&mod).Error; err != nil {
			return err
		}
		result = mod
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteDraft removes a modification row. Only draft rows may be deleted;
// anything later in the lifecycle must go through the state machine.
func DeleteDraft(db *gorm.DB, modificationID uint64) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var mod models.ModificationRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("modification_id = ?", modificationID).
			First(&mod).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.NewNotFound("modification %d not found", modificationID)
			}
			return err
		}
		if mod.SyncState != models.SyncStateDraft {
			return types.NewValidation("modification %d is %s, only drafts can be deleted",
				modificationID, mod.SyncState)
		}
		return tx.Delete(&mod).Error
	})
}
