package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forecastworks/pfa-mirror/internal/handlers"
	"github.com/forecastworks/pfa-mirror/internal/models"
	"github.com/forecastworks/pfa-mirror/internal/services"
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

// identity stands in for the auth and tenant middleware
func identity(tenantID, userID string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Locals("tenantId", tenantID)
		c.Locals("userId", userID)
		return c.Next()
	}
}

func seedMirror(t *testing.T, db *gorm.DB, externalID string) *models.MirrorRecord {
	mirror, err := services.UpsertMirror(db, "t1", externalID,
		[]byte(`{"category":"compute","notes":"baseline"}`), "v1", "seed")
	if err != nil {
		t.Fatalf("Failed to seed mirror: %v", err)
	}
	return mirror
}

// TestGetMergedViews tests the GET /api/pfa/views endpoint
func TestGetMergedViews(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "ext-1")

	if _, err := services.UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"mine"}`), ""); err != nil {
		t.Fatalf("Failed to seed draft: %v", err)
	}

	app := fiber.New()
	handler := &handlers.ViewHandler{DB: db}
	app.Get("/api/pfa/views", identity("t1", "alex"), handler.GetMergedViews)

	req := httptest.NewRequest("GET", "/api/pfa/views", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var views []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("Expected 1 view, got %d", len(views))
	}

	record, ok := views[0]["record"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected record object, got %v", views[0]["record"])
	}
	if record["notes"] != "mine" {
		t.Errorf("Expected overlaid notes, got %v", record["notes"])
	}
	provenance, ok := views[0]["provenance"].(map[string]interface{})
	if !ok || provenance["hasModifications"] != true {
		t.Errorf("Expected modification provenance, got %v", views[0]["provenance"])
	}
}

// TestGetMergedViewNotFound tests 404 for a missing mirror row
func TestGetMergedViewNotFound(t *testing.T) {
	db := setupTestDB(t)

	app := fiber.New()
	handler := &handlers.ViewHandler{DB: db}
	app.Get("/api/pfa/views/:mirrorId", identity("t1", "alex"), handler.GetMergedView)

	req := httptest.NewRequest("GET", "/api/pfa/views/999", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
}

// TestSaveDraft tests the POST /api/pfa/drafts endpoint
func TestSaveDraft(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "ext-1")

	app := fiber.New()
	handler := &handlers.DraftHandler{DB: db}
	app.Post("/api/pfa/drafts", identity("t1", "alex"), handler.SaveDraft)

	reqBody := map[string]interface{}{
		"mirrorId":  mirror.MirrorID,
		"sessionId": "s1",
		"patch": map[string]interface{}{
			"notes":      "edited",
			"assignedTo": "alex",
		},
		"reason": "cleanup",
	}
	body, _ := json.Marshal(reqBody)
	req := httptest.NewRequest("POST", "/api/pfa/drafts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("Expected ok envelope, got %v", result)
	}

	var count int64
	db.Model(&models.ModificationRecord{}).Where("sync_state = ?", models.SyncStateDraft).Count(&count)
	if count != 1 {
		t.Errorf("Expected 1 draft row, got %d", count)
	}
}

// TestSaveDraftRejectsNonEditableField tests the allow-list at the HTTP
// boundary
func TestSaveDraftRejectsNonEditableField(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "ext-1")

	app := fiber.New()
	handler := &handlers.DraftHandler{DB: db}
	app.Post("/api/pfa/drafts", identity("t1", "alex"), handler.SaveDraft)

	body, _ := json.Marshal(map[string]interface{}{
		"mirrorId": mirror.MirrorID,
		"patch":    map[string]interface{}{"externalId": "hijack"},
	})
	req := httptest.NewRequest("POST", "/api/pfa/drafts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 400 {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}

	var count int64
	db.Model(&models.ModificationRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no draft rows, got %d", count)
	}
}

// TestCommitStaleBaselineResponse tests the 409 envelope with the current
// revision when a commit loses to a re-ingest
func TestCommitStaleBaselineResponse(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "ext-1")

	if _, err := services.UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), ""); err != nil {
		t.Fatalf("Failed to seed draft: %v", err)
	}
	// Baseline moves underneath the draft
	if _, err := services.UpsertMirror(db, "t1", "ext-1", []byte(`{"notes":"newer"}`), "v2", "b2"); err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}

	app := fiber.New()
	handler := &handlers.DraftHandler{DB: db}
	app.Post("/api/pfa/drafts/commit", identity("t1", "alex"), handler.Commit)

	body, _ := json.Marshal(map[string]interface{}{"sessionId": "s1"})
	req := httptest.NewRequest("POST", "/api/pfa/drafts/commit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 409 {
		t.Fatalf("Expected status 409, got %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if result["versionError"] != true {
		t.Error("Expected versionError flag")
	}
	if result["currentRevision"] != float64(2) {
		t.Errorf("Expected currentRevision 2, got %v", result["currentRevision"])
	}
}

// TestCommitAndDiscard tests the commit and discard endpoints end to end
func TestCommitAndDiscard(t *testing.T) {
	db := setupTestDB(t)
	m1 := seedMirror(t, db, "ext-1")
	m2 := seedMirror(t, db, "ext-2")

	for _, m := range []uint64{m1.MirrorID, m2.MirrorID} {
		if _, err := services.UpsertDraft(db, m, "t1", "alex", "s1", []byte(`{"notes":"x"}`), ""); err != nil {
			t.Fatalf("Failed to seed draft: %v", err)
		}
	}

	app := fiber.New()
	handler := &handlers.DraftHandler{DB: db}
	app.Post("/api/pfa/drafts/commit", identity("t1", "alex"), handler.Commit)
	app.Post("/api/pfa/drafts/discard", identity("t1", "alex"), handler.Discard)

	// Commit only the first mirror's draft
	body, _ := json.Marshal(map[string]interface{}{"mirrorIds": []uint64{m1.MirrorID}})
	req := httptest.NewRequest("POST", "/api/pfa/drafts/commit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute commit: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var commitResult map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&commitResult); err != nil {
		t.Fatalf("Failed to decode commit response: %v", err)
	}
	inner, _ := commitResult["result"].(map[string]interface{})
	if inner["committed"] != float64(1) {
		t.Errorf("Expected 1 committed, got %v", commitResult)
	}

	// Discard the whole session; the committed row is reported back
	body, _ = json.Marshal(map[string]interface{}{"sessionId": "s1"})
	req = httptest.NewRequest("POST", "/api/pfa/drafts/discard", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute discard: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var discardResult map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&discardResult); err != nil {
		t.Fatalf("Failed to decode discard response: %v", err)
	}
	inner, _ = discardResult["result"].(map[string]interface{})
	if inner["discarded"] != float64(1) {
		t.Errorf("Expected 1 discarded, got %v", discardResult)
	}
	notDiscardable, _ := inner["notDiscardable"].([]interface{})
	if len(notDiscardable) != 1 {
		t.Errorf("Expected 1 not-discardable row, got %v", inner["notDiscardable"])
	}
}

// TestGetModifications tests the modification trail endpoint
func TestGetModifications(t *testing.T) {
	db := setupTestDB(t)
	mirror := seedMirror(t, db, "ext-1")

	if _, err := services.UpsertDraft(db, mirror.MirrorID, "t1", "alex", "s1", []byte(`{"notes":"x"}`), ""); err != nil {
		t.Fatalf("Failed to seed draft: %v", err)
	}

	app := fiber.New()
	handler := &handlers.ViewHandler{DB: db}
	app.Get("/api/pfa/modifications/:mirrorId", identity("t1", "alex"), handler.GetModifications)

	req := httptest.NewRequest("GET", fmt.Sprintf("/api/pfa/modifications/%d", mirror.MirrorID), nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Failed to execute request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var mods []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&mods); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(mods) != 1 {
		t.Errorf("Expected 1 modification, got %d", len(mods))
	}
}
