package services

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate = validator.New()

// ValidateDraftPatch enforces the editable-field allow-list and the per-field
// value rules. Returns the normalized patch bytes (only the allow-listed
// keys, re-marshaled through the typed DeltaPatch) or a validation error.
// A patch with a non-editable key is rejected outright, never partially
// applied.
func ValidateDraftPatch(raw map[string]json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, types.NewValidation("draft patch is empty")
	}

	var illegal []string
	for key := range raw {
		if _, ok := models.EditableFields[key]; !ok {
			illegal = append(illegal, key)
		}
	}
	if len(illegal) > 0 {
		sort.Strings(illegal)
		return nil, types.NewValidation("patch contains non-editable fields: %v", illegal)
	}

	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var patch models.DeltaPatch
	if err := json.Unmarshal(rawBytes, &patch); err != nil {
		return nil, types.NewValidation("patch has malformed field values: %v", err)
	}
	if err := validate.Struct(&patch); err != nil {
		return nil, types.NewValidation("patch failed field validation: %v", err)
	}

	return rawBytes, nil
}

// SaveDraft validates a patch and merges it into the caller's draft for the
// mirror row. Safe to call repeatedly while the user keeps editing.
func SaveDraft(db *gorm.DB, tenantID, userID, sessionID string, mirrorID uint64, raw map[string]json.RawMessage, reason string) (*models.ModificationRecord, error) {
	patch, err := ValidateDraftPatch(raw)
	if err != nil {
		return nil, err
	}
	return UpsertDraft(db, mirrorID, tenantID, userID, sessionID, patch, reason)
}

// DraftScope selects a user's draft rows either by session or by explicit
// mirror ids. Exactly one selector should be set; when both are empty the
// scope matches all of the user's drafts.
type DraftScope struct {
	SessionID string
	MirrorIDs []uint64
}

func (s DraftScope) apply(q *gorm.DB) *gorm.DB {
	if len(s.MirrorIDs) > 0 {
		return q.Where("mirror_id IN ?", s.MirrorIDs)
	}
	if s.SessionID != "" {
		return q.Where("session_id = ?", s.SessionID)
	}
	return q
}

// CommitResult reports a bulk commit.
type CommitResult struct {
	Committed int `json:"committed"`
}

// Commit transitions the user's matching draft rows to committed, stamping
// committedAt. Rows in the scope that are no longer drafts are skipped.
// Before each transition the draft's baseVersion is compared against the
// mirror's current revision under the same row lock ingest takes, so a
// commit can never pass its staleness check against a baseline that is
// concurrently being replaced. Any stale draft rejects the whole commit.
func Commit(db *gorm.DB, tenantID, userID string, scope DraftScope) (CommitResult, error) {
	var result CommitResult

	err := db.Transaction(func(tx *gorm.DB) error {
		var drafts []models.ModificationRecord
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND user_id = ? AND sync_state = ?",
				tenantID, userID, models.SyncStateDraft)
		if err := scope.apply(q).Find(&drafts).Error; err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range drafts {
			draft := &drafts[i]

			var mirror models.MirrorRecord
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("mirror_id = ?", draft.MirrorID).
				First(&mirror).Error
			if err != nil {
				return err
			}
			if mirror.Revision != draft.BaseVersion {
				return types.NewStaleBaseline(mirror.MirrorID, draft.BaseVersion, mirror.Revision)
			}

			draft.SyncState = models.SyncStateCommitted
			draft.CommittedAt = &now
			draft.CurrentVersion++
			if err := tx.Save(draft).Error; err != nil {
				return err
			}
			result.Committed++
		}
		return nil
	})
	if err != nil {
		return CommitResult{}, err
	}
	return result, nil
}

// DiscardResult reports a bulk discard. NotDiscardable lists modification
// ids in scope that were past draft and therefore left untouched.
type DiscardResult struct {
	Discarded      int      `json:"discarded"`
	NotDiscardable []uint64 `json:"notDiscardable,omitempty"`
}

// Discard deletes the user's matching draft rows. Rows already committed or
// later are never discarded here; they are reported back so the caller knows
// the scope was only partially undone.
func Discard(db *gorm.DB, tenantID, userID string, scope DraftScope) (DiscardResult, error) {
	var result DiscardResult

	err := db.Transaction(func(tx *gorm.DB) error {
		var rows []models.ModificationRecord
		q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND user_id = ?", tenantID, userID)
		if err := scope.apply(q).Find(&rows).Error; err != nil {
			return err
		}

		for i := range rows {
			if rows[i].SyncState != models.SyncStateDraft {
				result.NotDiscardable = append(result.NotDiscardable, rows[i].ModificationID)
				continue
			}
			if err := tx.Delete(&rows[i]).Error; err != nil {
				return err
			}
			result.Discarded++
		}
		return nil
	})
	if err != nil {
		return DiscardResult{}, err
	}
	return result, nil
}
