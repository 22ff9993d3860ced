package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fidde/cardinality_sketch/internal/registry"
	"github.com/fidde/cardinality_sketch/internal/storage/sessions"
	"github.com/fidde/cardinality_sketch/pkg/hyperloglog"
	"github.com/fidde/cardinality_sketch/pkg/models"
)

func setupTestSessionHandler(t *testing.T) (*SessionHandler, *registry.Registry) {
	t.Helper()

	sessionStore, err := sessions.NewWithConfig(sessions.Config{
		SessionDir:     t.TempDir(),
		MaxSessions:    10,
		MaxSessionSize: 10 * 1024 * 1024,
	})
	if err != nil {
		t.Fatalf("Failed to create session store: %v", err)
	}

	reg, err := registry.New(registry.Options{})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	for name, values := range map[string][]string{
		"metrics.http_requests.method": {"GET", "POST", "PUT"},
		"traces.checkout.user_id":      {"1", "2"},
	} {
		if _, err := reg.Update(name, values, nil); err != nil {
			t.Fatalf("Failed to seed %s: %v", name, err)
		}
	}

	return NewSessionHandler(sessionStore, reg, nil), reg
}

// withName attaches a chi {name} URL parameter to req.
func withName(req *http.Request, name string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("name", name)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func createSession(t *testing.T, handler *SessionHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.CreateSession(rr, req)
	return rr
}

func TestSessionHandler_CreateSession(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)

	rr := createSession(t, handler, `{"name": "test-session", "description": "Test session"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["message"] != "Session created successfully" {
		t.Errorf("Unexpected message: %v", resp["message"])
	}

	session := resp["session"].(map[string]interface{})
	if session["sketches"].(float64) != 2 {
		t.Errorf("Expected 2 sketches, got %v", session["sketches"])
	}

	// Same name again without force
	rr = createSession(t, handler, `{"name": "test-session"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions?force=true", bytes.NewBufferString(`{"name": "test-session"}`))
	rr = httptest.NewRecorder()
	handler.CreateSession(rr, req)
	if rr.Code != http.StatusCreated {
		t.Errorf("Expected status 201 with force, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSessionHandler_CreateSession_Prefixes(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)

	rr := createSession(t, handler, `{"name": "metrics-only", "prefixes": ["metrics."]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	meta, err := handler.store.GetMetadata(context.Background(), "metrics-only")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Sketches != 1 {
		t.Errorf("Expected 1 sketch, got %d", meta.Sketches)
	}
}

func TestSessionHandler_CreateSession_InvalidName(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)

	testCases := []struct {
		name string
		body string
	}{
		{"uppercase", `{"name": "Bad"}`},
		{"spaces", `{"name": "has space"}`},
		{"empty", `{"name": ""}`},
		{"malformed", `{"name":`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := createSession(t, handler, tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestSessionHandler_ListAndGet(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)
	createSession(t, handler, `{"name": "list-test-session"}`)

	rr := httptest.NewRecorder()
	handler.ListSessions(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var listResp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if int(listResp["total"].(float64)) != 1 {
		t.Errorf("Expected 1 session, got %v", listResp["total"])
	}

	req := withName(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/list-test-session", nil), "list-test-session")
	rr = httptest.NewRecorder()
	handler.GetSessionMetadata(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	req = withName(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil), "missing")
	rr = httptest.NewRecorder()
	handler.GetSessionMetadata(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

func TestSessionHandler_DeleteSession(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)
	createSession(t, handler, `{"name": "delete-me"}`)

	req := withName(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/delete-me", nil), "delete-me")
	rr := httptest.NewRecorder()
	handler.DeleteSession(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.DeleteSession(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", rr.Code)
	}
}

func TestSessionHandler_LoadSession(t *testing.T) {
	handler, reg := setupTestSessionHandler(t)
	createSession(t, handler, `{"name": "baseline"}`)

	const name = "metrics.http_requests.method"
	before, err := reg.Count(name, hyperloglog.Distinct)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	// Drift after the checkpoint
	if _, err := reg.Update(name, []string{"DELETE", "PATCH", "HEAD"}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	reg.Delete("traces.checkout.user_id")

	req := withName(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/baseline/load", nil), "baseline")
	rr := httptest.NewRecorder()
	handler.LoadSession(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	after, err := reg.Count(name, hyperloglog.Distinct)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if after != before {
		t.Errorf("Expected restored estimate %v, got %v", before, after)
	}
	if _, err := reg.Get("traces.checkout.user_id"); err != nil {
		t.Errorf("Expected deleted sketch to be restored: %v", err)
	}
}

func TestSessionHandler_LoadSession_NonDefaultPrecision(t *testing.T) {
	handler, reg := setupTestSessionHandler(t)

	const name = "logs.checkout.severity"
	if _, err := reg.Create(name, models.SketchSpec{Variant: "classic", Precision: 10}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Update(name, []string{"INFO", "WARN", "ERROR", "DEBUG"}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	before, err := reg.Count(name, hyperloglog.Distinct)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	if rr := createSession(t, handler, `{"name": "small-precision"}`); rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	reg.Clear()

	req := withName(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/small-precision/load", nil), "small-precision")
	rr := httptest.NewRecorder()
	handler.LoadSession(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	spec, err := reg.Spec(name)
	if err != nil {
		t.Fatalf("Spec: %v", err)
	}
	if spec.Precision != 10 {
		t.Errorf("Expected precision 10, got %d", spec.Precision)
	}
	after, err := reg.Count(name, hyperloglog.Distinct)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if after != before {
		t.Errorf("Expected restored estimate %v, got %v", before, after)
	}
}

func TestSessionHandler_LoadSession_Merge(t *testing.T) {
	handler, reg := setupTestSessionHandler(t)
	createSession(t, handler, `{"name": "baseline"}`)

	const name = "metrics.http_requests.method"
	if _, err := reg.Update(name, []string{"DELETE"}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	req := withName(httptest.NewRequest(http.MethodPost, "/api/v1/sessions/baseline/load?merge=true", nil), "baseline")
	rr := httptest.NewRecorder()
	handler.LoadSession(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	info, err := reg.Get(name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if info.Count != 4 {
		t.Errorf("Expected merged count 4, got %d", info.Count)
	}
}

func TestSessionHandler_ExportImport(t *testing.T) {
	handler, _ := setupTestSessionHandler(t)
	createSession(t, handler, `{"name": "export-test-session"}`)

	exportReq := withName(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/export-test-session/export", nil), "export-test-session")
	exportRR := httptest.NewRecorder()
	handler.ExportSession(exportRR, exportReq)
	if exportRR.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", exportRR.Code, exportRR.Body.String())
	}

	var session models.Session
	if err := json.Unmarshal(exportRR.Body.Bytes(), &session); err != nil {
		t.Fatalf("Failed to parse exported session: %v", err)
	}
	session.ID = "imported-session"
	session.Created = time.Now().UTC()

	importData, _ := json.Marshal(session)
	importRR := httptest.NewRecorder()
	handler.ImportSession(importRR, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/import", bytes.NewReader(importData)))
	if importRR.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", importRR.Code, importRR.Body.String())
	}

	// Corrupt registers are rejected before anything is stored
	session.ID = "corrupt-session"
	session.Sketches[0].Registers = "AAAA"
	importData, _ = json.Marshal(session)
	importRR = httptest.NewRecorder()
	handler.ImportSession(importRR, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/import", bytes.NewReader(importData)))
	if importRR.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", importRR.Code)
	}

	listRR := httptest.NewRecorder()
	handler.ListSessions(listRR, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	var listResp map[string]interface{}
	json.Unmarshal(listRR.Body.Bytes(), &listResp)
	if int(listResp["total"].(float64)) != 2 {
		t.Errorf("Expected 2 sessions after import, got %v", listResp["total"])
	}
}
