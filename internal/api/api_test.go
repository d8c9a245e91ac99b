package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/celerix-dev/celerix-snapshot/internal/archive"
	"github.com/celerix-dev/celerix-snapshot/internal/engine"
	"github.com/celerix-dev/celerix-snapshot/internal/modules"
	"github.com/celerix-dev/celerix-snapshot/internal/transfer"
	"github.com/celerix-dev/celerix-snapshot/internal/vault"
	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
	"github.com/celerix-dev/celerix-snapshot/pkg/sdk"
	"github.com/celerix-dev/celerix-snapshot/pkg/snapshot"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *Handler, *engine.MemStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := engine.NewMemStore(nil, nil)
	reg, err := transfer.NewRegistry(logger, modules.Builtin([]string{schema.ModuleContent, schema.ModuleLoans})...)
	if err != nil {
		t.Fatal(err)
	}
	arc, err := archive.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := &Handler{
		Engine:     transfer.New(store, reg, transfer.WithLogger(logger)),
		Archive:    arc,
		Passphrase: "pw",
		Dangling:   transfer.DanglingKeep,
		Logger:     logger,
	}
	r := gin.New()
	h.Register(r)
	return r, h, store
}

func seed(t *testing.T, store sdk.Store) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginCentral(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.CreateUser(ctx, schema.NewRecord("name", "Ada", "email", "ada@example.com")); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.CreateTenantIfAbsent(ctx, schema.NewRecord("id", "acme", "name", "Acme", "created_by", 1)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	scope, err := store.OpenScope(ctx, sdk.Tenant{ID: "acme"})
	if err != nil {
		t.Fatal(err)
	}
	defer scope.Release()
	if _, err := scope.Upsert(ctx, schema.SectionLoans, schema.NewRecord("id", 1, "borrower_id", 1, "status", "open")); err != nil {
		t.Fatal(err)
	}
	if err := scope.Commit(); err != nil {
		t.Fatal(err)
	}
}

func do(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetSections(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := do(r, "GET", "/api/sections", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var sections []struct {
		Key    string `json:"key"`
		Served bool   `json:"served"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &sections); err != nil {
		t.Fatal(err)
	}
	served := map[string]bool{}
	for _, s := range sections {
		served[s.Key] = s.Served
	}
	if !served["users"] || !served["loans"] {
		t.Errorf("users and loans should be served: %v", served)
	}
	if served["hr_staff"] {
		t.Error("hr_staff is owned by a module that is not installed")
	}
}

func TestExportDownload(t *testing.T) {
	r, _, store := setupTestRouter(t)
	seed(t, store)

	w := do(r, "POST", "/api/exports", []byte(`{"format":"yaml"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("Expected application/yaml, got %s", ct)
	}
	snap, err := snapshot.Unmarshal(w.Body.Bytes(), snapshot.FormatYAML)
	if err != nil {
		t.Fatalf("response is not a snapshot: %v", err)
	}
	if len(snap.TenantData["acme"][schema.SectionLoans]) != 1 {
		t.Errorf("Expected one loan, got %v", snap.TenantData["acme"])
	}
}

func TestExportEmptyBody(t *testing.T) {
	r, _, store := setupTestRouter(t)
	seed(t, store)

	w := do(r, "POST", "/api/exports", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExportSaveAndImportArchived(t *testing.T) {
	r, h, store := setupTestRouter(t)
	seed(t, store)

	w := do(r, "POST", "/api/exports", []byte(`{"save":true,"name":"nightly","seal":true}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var entry archive.Entry
	json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.Name != "nightly" || !entry.Sealed {
		t.Errorf("unexpected entry %+v", entry)
	}

	w = do(r, "GET", "/api/snapshots", nil)
	var entries []archive.Entry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("Expected 1 archived snapshot, got %d", len(entries))
	}

	w = do(r, "POST", "/api/snapshots/nightly/import?dry_run=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var report transfer.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if !report.DryRun || report.Users.Matched != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	h.Passphrase = ""
	w = do(r, "POST", "/api/snapshots/nightly/import", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("sealed import without passphrase: expected 400, got %d", w.Code)
	}
}

func TestImportRawBody(t *testing.T) {
	r, _, store := setupTestRouter(t)

	snap := snapshot.New(nil, time.Now())
	snap.Central.Users = []schema.Record{schema.NewRecord("id", 7, "name", "Bob", "email", "bob@example.com")}
	snap.TenantData["ghost"] = snapshot.TenantBag{}
	body, err := snapshot.Marshal(snap, snapshot.FormatJSON)
	if err != nil {
		t.Fatal(err)
	}

	w := do(r, "POST", "/api/imports?sections=users,loans&dangling=null", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	var report transfer.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Users.Created != 1 {
		t.Errorf("Expected one created user, got %+v", report.Users)
	}
	if len(report.SkippedTenants) != 1 || report.SkippedTenants[0] != "ghost" {
		t.Errorf("Expected ghost to be skipped, got %v", report.SkippedTenants)
	}

	users, _ := store.Users(context.Background())
	if len(users) != 1 {
		t.Errorf("Expected 1 user in store, got %d", len(users))
	}
}

func TestImportErrors(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"garbage", "/api/imports", "{not json", http.StatusBadRequest},
		{"future version", "/api/imports", `{"version":9,"central":{},"tenant_data":{}}`, http.StatusBadRequest},
		{"unknown format", "/api/imports?format=csv", `{}`, http.StatusBadRequest},
		{"unknown policy", "/api/imports?dangling=purge", `{"version":1}`, http.StatusBadRequest},
		{"bad bool", "/api/imports?dry_run=maybe", `{"version":1}`, http.StatusBadRequest},
		{"strict sections", "/api/imports?sections=nope&strict=true", `{"version":1}`, http.StatusBadRequest},
		{"missing archive", "/api/snapshots/none/import", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, "POST", tt.path, []byte(tt.body))
			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d: %s", tt.code, w.Code, w.Body.String())
			}
		})
	}
}

func TestExportSealWithoutPassphrase(t *testing.T) {
	r, h, _ := setupTestRouter(t)
	h.Passphrase = ""

	w := do(r, "POST", "/api/exports", []byte(`{"seal":true}`))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

func TestGetAndDeleteSnapshot(t *testing.T) {
	r, h, _ := setupTestRouter(t)
	plain := []byte(`{"version":1,"central":{},"tenant_data":{}}`)
	if _, err := h.Archive.Save(context.Background(), "manual", snapshot.FormatJSON, plain); err != nil {
		t.Fatal(err)
	}
	sealed, _ := vault.Seal(plain, "pw")
	if _, err := h.Archive.Save(context.Background(), "locked", snapshot.FormatJSON, sealed); err != nil {
		t.Fatal(err)
	}

	w := do(r, "GET", "/api/snapshots/manual", nil)
	if w.Code != http.StatusOK || !bytes.Equal(w.Body.Bytes(), plain) {
		t.Fatalf("unexpected download: %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Checksum-Sha256") == "" {
		t.Error("missing checksum header")
	}
	w = do(r, "GET", "/api/snapshots/locked", nil)
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("sealed download: expected octet-stream, got %s", ct)
	}

	if w := do(r, "DELETE", "/api/snapshots/manual", nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w := do(r, "GET", "/api/snapshots/manual", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if w := do(r, "GET", "/api/snapshots/bad..name%20x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
