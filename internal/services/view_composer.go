package services

import (
	"encoding/json"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"gorm.io/gorm"
	"gorm.io/hints"
)

// ViewFilter is the merged-view listing filter: the mirror projections plus
// a caller-scoped "only rows I touched" switch.
type ViewFilter struct {
	MirrorFilter
	ModifiedOnly bool
}

// Provenance reports where a merged view's values came from. SyncState is
// "pristine" when no active modification joined.
type Provenance struct {
	HasModifications bool       `json:"hasModifications"`
	SyncState        string     `json:"syncState"`
	ModifiedBy       string     `json:"modifiedBy,omitempty"`
	ModifiedAt       *time.Time `json:"modifiedAt,omitempty"`
	ModificationID   *uint64    `json:"modificationId,omitempty"`
}

// MergedView is the read-only overlay of the caller's active delta on a
// mirror baseline. Never persisted.
type MergedView struct {
	MirrorID   uint64          `json:"mirrorId"`
	ExternalID string          `json:"externalId"`
	Revision   uint64          `json:"revision"`
	Record     json.RawMessage `json:"record"`
	Provenance Provenance      `json:"provenance"`
}

// composeView overlays mod's delta (if any) onto the mirror baseline.
func composeView(mirror *models.MirrorRecord, mod *models.ModificationRecord) (MergedView, error) {
	view := MergedView{
		MirrorID:   mirror.MirrorID,
		ExternalID: mirror.ExternalID,
		Revision:   mirror.Revision,
		Record:     json.RawMessage(mirror.Baseline.JSON),
		Provenance: Provenance{SyncState: models.SyncStatePristine},
	}
	if mod == nil {
		return view, nil
	}

	merged, err := OverlayDelta([]byte(mirror.Baseline.JSON), []byte(mod.Delta.JSON))
	if err != nil {
		return MergedView{}, err
	}
	modifiedAt := mod.UpdatedAt
	modificationID := mod.ModificationID
	view.Record = merged
	view.Provenance = Provenance{
		HasModifications: true,
		SyncState:        mod.SyncState,
		ModifiedBy:       mod.UserID,
		ModifiedAt:       &modifiedAt,
		ModificationID:   &modificationID,
	}
	return view, nil
}

// activeModificationScope narrows modification rows to the caller's deltas
// that still overlay merged views.
func activeModificationScope(db *gorm.DB, userID string) *gorm.DB {
	return db.Model(&models.ModificationRecord{}).
		Where("user_id = ? AND sync_state IN ?", userID, models.ActiveSyncStates)
}

// GetMergedViews lists merged views for the caller. Mirror rows are selected
// by the indexed projections, then left-joined in one batch against the
// caller's active modifications; the overlay never reparses baseline fields
// no delta touched. Another user's drafts are invisible here by
// construction: the modification lookup is scoped to userID.
func GetMergedViews(db *gorm.DB, tenantID, userID string, filter ViewFilter, page Page) ([]MergedView, error) {
	q := applyMirrorFilter(db.Where("tenant_id = ?", tenantID), filter.MirrorFilter)
	if filter.ModifiedOnly {
		q = q.Where("mirror_id IN (?)", activeModificationScope(db, userID).Select("mirror_id"))
	}
	if db.Dialector.Name() == "mysql" {
		q = q.Clauses(hints.UseIndex("idx_mirror_identity"))
	}

	var mirrors []models.MirrorRecord
	if err := q.Order("mirror_id").Limit(page.limit()).Offset(page.offset()).Find(&mirrors).Error; err != nil {
		return nil, err
	}
	if len(mirrors) == 0 {
		return []MergedView{}, nil
	}

	ids := make([]uint64, len(mirrors))
	for i := range mirrors {
		ids[i] = mirrors[i].MirrorID
	}

	var mods []models.ModificationRecord
	err := activeModificationScope(db, userID).
		Where("mirror_id IN ?", ids).
		Order("modification_id").
		Find(&mods).Error
	if err != nil {
		return nil, err
	}
	byMirror := make(map[uint64]*models.ModificationRecord, len(mods))
	for i := range mods {
		// Later rows win; at most one active row per (mirror, user, session)
		// exists, newer sessions supersede older ones in the view.
		byMirror[mods[i].MirrorID] = &mods[i]
	}

	views := make([]MergedView, 0, len(mirrors))
	for i := range mirrors {
		view, err := composeView(&mirrors[i], byMirror[mirrors[i].MirrorID])
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// GetMergedView composes the merged view for a single mirror row.
func GetMergedView(db *gorm.DB, tenantID, userID string, mirrorID uint64) (*MergedView, error) {
	mirror, err := GetMirrorByID(db, tenantID, mirrorID)
	if err != nil {
		return nil, err
	}
	mod, err := GetActiveModification(db, mirrorID, userID)
	if err != nil {
		return nil, err
	}
	view, err := composeView(mirror, mod)
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// CountMergedViews counts the mirror rows the listing would return.
func CountMergedViews(db *gorm.DB, tenantID, userID string, filter ViewFilter) (int64, error) {
	q := applyMirrorFilter(db.Model(&models.MirrorRecord{}).Where("tenant_id = ?", tenantID), filter.MirrorFilter)
	if filter.ModifiedOnly {
		q = q.Where("mirror_id IN (?)", activeModificationScope(db, userID).Select("mirror_id"))
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}
