package services

import (
	"errors"
	"strings"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/types"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Baseline fields projected into indexed columns for filtering.
const (
	baselineKeyCategory   = "category"
	baselineKeyClass      = "class"
	baselineKeySourceType = "sourceType"
	baselineKeyPlanStart  = "planStart"
	baselineKeyPlanEnd    = "planEnd"
)

const baselineDateLayout = "2006-01-02"

// MirrorFilter selects mirror rows by the indexed projections. Search is a
// best-effort substring match over the raw baseline document; it cannot use
// an index and is expected to be slower than the projection filters.
type MirrorFilter struct {
	Category   string
	Class      string
	SourceType string
	From       *time.Time
	To         *time.Time
	Search     string
}

// Page is limit/offset pagination. Page numbers start at 1.
type Page struct {
	Page     int
	PageSize int
}

func (p Page) limit() int {
	if p.PageSize <= 0 {
		return 50
	}
	if p.PageSize > 500 {
		return 500
	}
	return p.PageSize
}

func (p Page) offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.limit()
}

// UpsertMirror inserts or replaces the baseline for (tenantID, externalID).
// Idempotent per identity: a new row starts at revision 1, a replace bumps
// the revision and archives the before-image to mirror_history in the same
// transaction.
func UpsertMirror(db *gorm.DB, tenantID, externalID string, baseline []byte, externalVersion, batchID string) (*models.MirrorRecord, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, types.NewValidation("baseline record has no external id")
	}
	if !gjson.ValidBytes(baseline) {
		return nil, types.NewValidation("baseline for %s is not valid JSON", externalID)
	}

	now := time.Now().UTC()
	var result models.MirrorRecord

	err := db.Transaction(func(tx *gorm.DB) error {
		var existing models.MirrorRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND external_id = ?", tenantID, externalID).
			First(&existing).Error

		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			result = models.MirrorRecord{
				TenantID:        tenantID,
				ExternalID:      externalID,
				Baseline:        models.JSON{JSON: datatypes.JSON(baseline)},
				ExternalVersion: externalVersion,
				Revision:        1,
				LastIngestedAt:  now,
				IngestBatchID:   batchID,
			}
			applyProjections(&result, baseline)
			return tx.Create(&result).Error
		}

		// Archive the before-image, then replace in place.
		history := models.MirrorHistory{
			MirrorID:        existing.MirrorID,
			Revision:        existing.Revision,
			TenantID:        existing.TenantID,
			ExternalID:      existing.ExternalID,
			Baseline:        existing.Baseline,
			ExternalVersion: existing.ExternalVersion,
			IngestBatchID:   existing.IngestBatchID,
			ArchivedAt:      now,
		}
		if err := tx.Create(&history).Error; err != nil {
			return err
		}

		existing.Baseline = models.JSON{JSON: datatypes.JSON(baseline)}
		existing.ExternalVersion = externalVersion
		existing.Revision++
		existing.LastIngestedAt = now
		existing.IngestBatchID = batchID
		applyProjections(&existing, baseline)

		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		result = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// applyProjections extracts the indexed scalar columns from the raw baseline.
func applyProjections(m *models.MirrorRecord, baseline []byte) {
	m.Category = gjson.GetBytes(baseline, baselineKeyCategory).String()
	m.Class = gjson.GetBytes(baseline, baselineKeyClass).String()
	m.SourceType = gjson.GetBytes(baseline, baselineKeySourceType).String()
	m.PlanStart = parseBaselineDate(gjson.GetBytes(baseline, baselineKeyPlanStart).String())
	m.PlanEnd = parseBaselineDate(gjson.GetBytes(baseline, baselineKeyPlanEnd).String())
}

func parseBaselineDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(baselineDateLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// GetMirror fetches one mirror row by external identity within the tenant.
func GetMirror(db *gorm.DB, tenantID, externalID string) (*models.MirrorRecord, error) {
	var m models.MirrorRecord
	err := db.Where("tenant_id = ? AND external_id = ?", tenantID, externalID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("mirror %s not found", externalID)
		}
		return nil, err
	}
	return &m, nil
}

// GetMirrorByID fetches one mirror row by id within the tenant.
func GetMirrorByID(db *gorm.DB, tenantID string, mirrorID uint64) (*models.MirrorRecord, error) {
	var m models.MirrorRecord
	err := db.Where("tenant_id = ? AND mirror_id = ?", tenantID, mirrorID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NewNotFound("mirror %d not found", mirrorID)
		}
		return nil, err
	}
	return &m, nil
}

// applyMirrorFilter builds the WHERE clause for the indexed projections plus
// the slow search path.
func applyMirrorFilter(q *gorm.DB, filter MirrorFilter) *gorm.DB {
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Class != "" {
		q = q.Where("class = ?", filter.Class)
	}
	if filter.SourceType != "" {
		q = q.Where("source_type = ?", filter.SourceType)
	}
	if filter.From != nil {
		q = q.Where("plan_end >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("plan_start <= ?", *filter.To)
	}
	if filter.Search != "" {
		// Full-document scan; no index over the JSON column.
		q = q.Where("baseline LIKE ?", "%"+filter.Search+"%")
	}
	return q
}

// QueryMirrors lists mirror rows for the tenant matching the filter.
func QueryMirrors(db *gorm.DB, tenantID string, filter MirrorFilter, page Page) ([]models.MirrorRecord, error) {
	var rows []models.MirrorRecord
	q := applyMirrorFilter(db.Where("tenant_id = ?", tenantID), filter)
	err := q.Order("mirror_id").Limit(page.limit()).Offset(page.offset()).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CountMirrors counts mirror rows for the tenant matching the filter.
func CountMirrors(db *gorm.DB, tenantID string, filter MirrorFilter) (int64, error) {
	var count int64
	q := applyMirrorFilter(db.Model(&models.MirrorRecord{}).Where("tenant_id = ?", tenantID), filter)
	err := q.Count(&count).Error
	return count, err
}

// GetMirrorHistory returns the archived before-images for a mirror row,
// newest revision first.
func GetMirrorHistory(db *gorm.DB, tenantID string, mirrorID uint64) ([]models.MirrorHistory, error) {
	if _, err := GetMirrorByID(db, tenantID, mirrorID); err != nil {
		return nil, err
	}
	var rows []models.MirrorHistory
	err := db.Where("mirror_id = ?", mirrorID).Order("revision DESC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
