package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	// Auto-migrate models
	err = db.AutoMigrate(
		&models.MirrorRecord{},
		&models.MirrorHistory{},
		&models.ModificationRecord{},
		&models.IngestBatch{},
		&models.IngestFailure{},
	)
	if err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeSource serves canned pages and can fail partway through
type fakeSource struct {
	pages   []SourcePage
	failAt  int // fail on this call number (1-based), 0 means never
	fetches int
}

func (f *fakeSource) FetchPage(_ context.Context, cursor string, _ int) (*SourcePage, error) {
	f.fetches++
	if f.failAt > 0 && f.fetches == f.failAt {
		return nil, errors.New("connection refused")
	}
	idx := 0
	if cursor != "" {
		for i := range f.pages {
			if f.pages[i].NextCursor == cursor {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(f.pages) {
		return &SourcePage{}, nil
	}
	return &f.pages[idx], nil
}

func record(id, version, payload string) BaselineRecord {
	return BaselineRecord{ExternalID: id, ExternalVersion: version, Payload: json.RawMessage(payload)}
}

// TestRunIngestSuccess tests a clean multi-page batch
func TestRunIngestSuccess(t *testing.T) {
	db := setupTestDB(t)

	src := &fakeSource{pages: []SourcePage{
		{Records: []BaselineRecord{
			record("ext-1", "v1", `{"category":"compute"}`),
			record("ext-2", "v1", `{"category":"storage"}`),
		}, NextCursor: "c1", HasMore: true},
		{Records: []BaselineRecord{
			record("ext-3", "v1", `{"category":"network"}`),
		}},
	}}

	batch, err := RunIngest(context.Background(), db, quietLogger(), src, "t1", 100)
	if err != nil {
		t.Fatalf("RunIngest failed: %v", err)
	}

	if batch.Status != models.BatchStatusSuccess {
		t.Errorf("Expected success, got %s", batch.Status)
	}
	if batch.RecordsUpserted != 3 || batch.RecordsFailed != 0 {
		t.Errorf("Expected 3 upserted 0 failed, got %d/%d", batch.RecordsUpserted, batch.RecordsFailed)
	}
	if batch.FinishedAt == nil {
		t.Error("Expected finishedAt to be stamped")
	}

	var count int64
	db.Model(&models.MirrorRecord{}).Where("ingest_batch_id = ?", batch.BatchID).Count(&count)
	if count != 3 {
		t.Errorf("Expected 3 mirror rows tagged with the batch, got %d", count)
	}
}

// TestRunIngestMalformedRecord tests that a bad record fails alone and is
// recorded on the batch
func TestRunIngestMalformedRecord(t *testing.T) {
	db := setupTestDB(t)

	src := &fakeSource{pages: []SourcePage{
		{Records: []BaselineRecord{
			record("ext-1", "v1", `{"category":"compute"}`),
			record("", "v1", `{"category":"no id"}`),
			record("ext-3", "v1", `{not json`),
			record("ext-4", "v1", `{"category":"storage"}`),
		}},
	}}

	batch, err := RunIngest(context.Background(), db, quietLogger(), src, "t1", 100)
	if err != nil {
		t.Fatalf("RunIngest failed: %v", err)
	}

	if batch.Status != models.BatchStatusPartial {
		t.Errorf("Expected partial, got %s", batch.Status)
	}
	if batch.RecordsUpserted != 2 || batch.RecordsFailed != 2 {
		t.Errorf("Expected 2 upserted 2 failed, got %d/%d", batch.RecordsUpserted, batch.RecordsFailed)
	}

	var failures []models.IngestFailure
	db.Where("batch_id = ?", batch.BatchID).Find(&failures)
	if len(failures) != 2 {
		t.Errorf("Expected 2 failure rows, got %d", len(failures))
	}
}

// TestRunIngestSourceFailure tests aborting when the source goes away,
// keeping what already landed
func TestRunIngestSourceFailure(t *testing.T) {
	db := setupTestDB(t)

	src := &fakeSource{
		pages: []SourcePage{
			{Records: []BaselineRecord{
				record("ext-1", "v1", `{"category":"compute"}`),
			}, NextCursor: "c1", HasMore: true},
			{Records: []BaselineRecord{
				record("ext-2", "v1", `{"category":"storage"}`),
			}},
		},
		failAt: 2,
	}

	batch, err := RunIngest(context.Background(), db, quietLogger(), src, "t1", 100)
	if err == nil {
		t.Fatal("Expected a source error")
	}

	if batch.Status != models.BatchStatusPartial {
		t.Errorf("Expected partial, got %s", batch.Status)
	}
	if batch.RecordsUpserted != 1 {
		t.Errorf("Expected 1 upserted before the abort, got %d", batch.RecordsUpserted)
	}

	// The first page's row survives the abort
	var count int64
	db.Model(&models.MirrorRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 mirror row, got %d", count)
	}
}

// TestRunIngestSourceDownImmediately tests the failed status when nothing
// landed at all
func TestRunIngestSourceDownImmediately(t *testing.T) {
	db := setupTestDB(t)

	src := &fakeSource{failAt: 1}

	batch, err := RunIngest(context.Background(), db, quietLogger(), src, "t1", 100)
	if err == nil {
		t.Fatal("Expected a source error")
	}
	if batch.Status != models.BatchStatusFailed {
		t.Errorf("Expected failed, got %s", batch.Status)
	}
}

// TestRunIngestIdempotent tests that re-running the same feed bumps
// revisions instead of duplicating rows
func TestRunIngestIdempotent(t *testing.T) {
	db := setupTestDB(t)

	pages := []SourcePage{{Records: []BaselineRecord{
		record("ext-1", "v1", `{"category":"compute"}`),
	}}}

	if _, err := RunIngest(context.Background(), db, quietLogger(), &fakeSource{pages: pages}, "t1", 100); err != nil {
		t.Fatalf("First run failed: %v", err)
	}
	if _, err := RunIngest(context.Background(), db, quietLogger(), &fakeSource{pages: pages}, "t1", 100); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	var mirrors []models.MirrorRecord
	db.Find(&mirrors)
	if len(mirrors) != 1 {
		t.Fatalf("Expected 1 mirror row, got %d", len(mirrors))
	}
	if mirrors[0].Revision != 2 {
		t.Errorf("Expected revision 2 after re-ingest, got %d", mirrors[0].Revision)
	}
}
