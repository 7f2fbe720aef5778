package services

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/types"
)

func rawPatch(t *testing.T, src string) map[string]json.RawMessage {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(src), &raw); err != nil {
		t.Fatalf("Bad test patch %s: %v", src, err)
	}
	return raw
}

// TestValidateDraftPatch tests the allow-list and field value rules
func TestValidateDraftPatch(t *testing.T) {
	// Valid patch passes
	patch, err := ValidateDraftPatch(rawPatch(t, `{"forecastStart":"2026-03-01","monthlyRate":"99.95","tags":["gpu"]}`))
	if err != nil {
		t.Fatalf("Expected valid patch, got %v", err)
	}
	if len(patch) == 0 {
		t.Fatal("Expected normalized patch bytes")
	}

	// Empty patch rejected
	if _, err := ValidateDraftPatch(nil); !types.IsKind(err, types.KindValidation) {
		t.Errorf("Expected validation error for empty patch, got %v", err)
	}

	// Non-editable keys rejected with the offending keys named
	_, err = ValidateDraftPatch(rawPatch(t, `{"notes":"x","revision":5,"externalId":"nope"}`))
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "externalId") || !strings.Contains(msg, "revision") {
		t.Errorf("Expected offending keys in message, got %s", msg)
	}

	// Bad date format rejected
	if _, err := ValidateDraftPatch(rawPatch(t, `{"forecastStart":"03/01/2026"}`)); !types.IsKind(err, types.KindValidation) {
		t.Errorf("Expected validation error for bad date, got %v", err)
	}

	// Non-numeric rate rejected
	if _, err := ValidateDraftPatch(rawPatch(t, `{"monthlyRate":"not a number"}`)); !types.IsKind(err, types.KindValidation) {
		t.Errorf("Expected validation error for bad rate, got %v", err)
	}
}

// TestCommit tests the bulk commit happy path
func TestCommit(t *testing.T) {
	db := setupTestDB(t)
	m1 := seedMirror(t, db, "t1", "ext-1")
	m2 := seedMirror(t, db, "t1", "ext-2")

	for _, m := range []uint64{m1.MirrorID, m2.MirrorID} {
		if _, err := SaveDraft(db, "t1", "alex", "s1", m, rawPatch(t, `{"notes":"edit"}`), ""); err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
	}
	// Another user's draft must stay untouched
	if _, err := SaveDraft(db, "t1", "kim", "s9", m1.MirrorID, rawPatch(t, `{"notes":"kim"}`), ""); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}

	result, err := Commit(db, "t1", "alex", DraftScope{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if result.Committed != 2 {
		t.Errorf("Expected 2 committed, got %d", result.Committed)
	}

	var kim models.ModificationRecord
	if err := db.Where("user_id = ?", "kim").First(&kim).Error; err != nil {
		t.Fatalf("Failed to read kim's draft: %v", err)
	}
	if kim.SyncState != models.SyncStateDraft {
		t.Errorf("Expected kim's draft untouched, got %s", kim.SyncState)
	}
}

// TestCommitStaleBaseline tests that a re-ingested baseline rejects the
// whole commit with the current revision reported
func TestCommitStaleBaseline(t *testing.T) {
	db := setupTestDB(t)
	m1 := seedMirror(t, db, "t1", "ext-1")
	m2 := seedMirror(t, db, "t1", "ext-2")

	for _, m := range []uint64{m1.MirrorID, m2.MirrorID} {
		if _, err := SaveDraft(db, "t1", "alex", "s1", m, rawPatch(t, `{"notes":"edit"}`), ""); err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
	}

	// Ingest replaces ext-2's baseline after the draft was created
	if _, err := UpsertMirror(db, "t1", "ext-2", []byte(`{"notes":"reingested"}`), "v2", "b2"); err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}

	_, err := Commit(db, "t1", "alex", DraftScope{SessionID: "s1"})
	if !types.IsKind(err, types.KindStaleBaseline) {
		t.Fatalf("Expected stale_baseline, got %v", err)
	}

	var engineErr *types.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatal("Expected an EngineError")
	}
	if engineErr.CurrentRevision != 2 {
		t.Errorf("Expected currentRevision 2 in error, got %d", engineErr.CurrentRevision)
	}

	// The whole commit rolled back: no row moved to committed
	var count int64
	db.Model(&models.ModificationRecord{}).Where("sync_state = ?", models.SyncStateCommitted).Count(&count)
	if count != 0 {
		t.Errorf("Expected no committed rows after rollback, got %d", count)
	}
}

// TestDiscard tests scope selection and the non-discardable report
func TestDiscard(t *testing.T) {
	db := setupTestDB(t)
	m1 := seedMirror(t, db, "t1", "ext-1")
	m2 := seedMirror(t, db, "t1", "ext-2")

	if _, err := SaveDraft(db, "t1", "alex", "s1", m1.MirrorID, rawPatch(t, `{"notes":"a"}`), ""); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	committed, err := SaveDraft(db, "t1", "alex", "s1", m2.MirrorID, rawPatch(t, `{"notes":"b"}`), "")
	if err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}
	if _, err := Transition(db, committed.ModificationID, models.SyncStateDraft, models.SyncStateCommitted); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	result, err := Discard(db, "t1", "alex", DraftScope{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if result.Discarded != 1 {
		t.Errorf("Expected 1 discarded, got %d", result.Discarded)
	}
	if len(result.NotDiscardable) != 1 || result.NotDiscardable[0] != committed.ModificationID {
		t.Errorf("Expected committed row reported not discardable, got %v", result.NotDiscardable)
	}

	// The committed row survives
	var count int64
	db.Model(&models.ModificationRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 surviving row, got %d", count)
	}
}

// TestDiscardByMirrorIDs tests the explicit id scope selector
func TestDiscardByMirrorIDs(t *testing.T) {
	db := setupTestDB(t)
	m1 := seedMirror(t, db, "t1", "ext-1")
	m2 := seedMirror(t, db, "t1", "ext-2")

	for _, m := range []uint64{m1.MirrorID, m2.MirrorID} {
		if _, err := SaveDraft(db, "t1", "alex", "s1", m, rawPatch(t, `{"notes":"x"}`), ""); err != nil {
			t.Fatalf("SaveDraft failed: %v", err)
		}
	}

	result, err := Discard(db, "t1", "alex", DraftScope{MirrorIDs: []uint64{m1.MirrorID}})
	if err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if result.Discarded != 1 {
		t.Errorf("Expected 1 discarded, got %d", result.Discarded)
	}

	var rest []models.ModificationRecord
	db.Find(&rest)
	if len(rest) != 1 || rest[0].MirrorID != m2.MirrorID {
		t.Errorf("Expected only the ext-2 draft to survive, got %+v", rest)
	}
}
