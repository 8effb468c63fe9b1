package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withAuth(userID string, roles []string) func(*http.Request) {
	return func(req *http.Request) {
		ctx := context.WithValue(req.Context(), auth.UserIDKey, userID)
		ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
		*req = *req.WithContext(ctx)
	}
}

func createdHandler(c echo.Context) error {
	return c.String(http.StatusCreated, "created")
}

func TestAudit_RecordsIntakeSubmission(t *testing.T) {
	var buf bytes.Buffer
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/intakes", withAuth("patient-7", []string{"patient"}))
	c.Set("request_id", "req-42")

	if err := Audit(zerolog.New(&buf), rec)(createdHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.Resource != "intakes" || entry.ResourceID != "" {
		t.Errorf("unexpected resource: %s/%s", entry.Resource, entry.ResourceID)
	}
	if entry.Action != "create" || entry.StatusCode != http.StatusCreated {
		t.Errorf("unexpected action/status: %s %d", entry.Action, entry.StatusCode)
	}
	if entry.UserID != "patient-7" || entry.RequestID != "req-42" {
		t.Errorf("unexpected identity: %+v", entry)
	}
	if !strings.Contains(buf.String(), `"type":"audit"`) {
		t.Errorf("expected audit log line, got %s", buf.String())
	}
}

func TestAudit_ExtractsResourceID(t *testing.T) {
	id := uuid.New()
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/intakes/"+id.String()+"/complete")

	Audit(zerolog.Nop(), rec)(createdHandler)(c)

	entry := rec.last()
	if entry.Resource != "intakes" || entry.ResourceID != id.String() {
		t.Errorf("expected intakes/%s, got %s/%s", id, entry.Resource, entry.ResourceID)
	}
}

func TestAudit_DeleteAction(t *testing.T) {
	id := uuid.New()
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodDelete, "/api/v1/hospitals/"+id.String()+"/queue")

	Audit(zerolog.Nop(), rec)(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })(c)

	entry := rec.last()
	if entry.Action != "delete" || entry.Resource != "hospitals" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestAudit_CapturesHTTPErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPatch, "/api/v1/emergency-alerts/"+uuid.NewString()+"/status")

	err := Audit(zerolog.Nop(), rec)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "invalid transition")
	})(c)

	if err == nil {
		t.Fatal("expected handler error to be returned")
	}
	if rec.last().StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.last().StatusCode)
	}
}

func TestAudit_SkipsReadsAndOtherPaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/intakes"},
		{http.MethodPost, "/ws"},
		{http.MethodGet, "/health/db"},
	} {
		c, _ := newTestContext(tc.method, tc.path)
		Audit(zerolog.Nop(), rec)(createdHandler)(c)
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, httpRec := newTestContext(http.MethodPost, "/api/v1/emergency-alerts")

	if err := Audit(zerolog.Nop(), rec)(createdHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if httpRec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", httpRec.Code)
	}
}

func TestHttpMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range tests {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("httpMethodToAction(%s) = %s, want %s", method, got, want)
		}
	}
}

func TestSplitResource(t *testing.T) {
	id := "0b6e2a38-5f8a-4b5e-9c52-1f0f5e8d7a10"
	tests := []struct {
		path, resource, id string
	}{
		{"/api/v1/intakes", "intakes", ""},
		{"/api/v1/intakes/" + id, "intakes", id},
		{"/api/v1/patients/" + id + "/emergency-alerts", "patients", id},
		{"/api/v1/", "unknown", ""},
		{"/api/v1/hospitals/not-a-uuid/queue", "hospitals", ""},
	}
	for _, tt := range tests {
		res, rid := splitResource(tt.path)
		if res != tt.resource || rid != tt.id {
			t.Errorf("splitResource(%q) = (%q, %q), want (%q, %q)", tt.path, res, rid, tt.resource, tt.id)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	var got AuditEntry
	f := AuditRecorderFunc(func(e AuditEntry) error {
		got = e
		return nil
	})
	if err := f.RecordAccess(AuditEntry{UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" {
		t.Errorf("expected u1, got %s", got.UserID)
	}
}
