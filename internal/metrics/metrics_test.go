package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlerDisabledReturns404(t *testing.T) {
	enabled = false
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when metrics disabled", rec.Code)
	}
}

func TestRecordFunctionsAreNoOpsWhenDisabled(t *testing.T) {
	enabled = false
	// None of these should panic on nil vectors when disabled.
	RecordVerify("exact", "eip155:8453", "valid")
	RecordSettle("exact", "eip155:8453", "success")
	RecordBridgeJobStatus("eip155:8453", "eip155:137", "pending")
	RecordBridgeJobTerminal("completed", 1, 0)
}

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/verify", "/verify"},
		{"/admin/bridge-jobs", "/admin/bridge-jobs"},
		{"/admin/bridge-jobs/abc-123", "/admin/bridge-jobs/{id}"},
		{"/admin/bridge-jobs/abc-123/cancel", "/admin/bridge-jobs/{id}/cancel"},
	}
	for _, c := range cases {
		if got := normalizePath(c.path); got != c.want {
			t.Errorf("normalizePath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestInitEnablesRecording(t *testing.T) {
	Init(true)
	defer func() { enabled = false }()

	if !Enabled() {
		t.Fatal("Enabled() = false after Init(true)")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when metrics enabled", rec.Code)
	}

	RecordVerify("exact", "eip155:8453", "valid")
	RecordSettle("exact", "eip155:8453", "success")
	RecordBridgeJobStatus("eip155:8453", "eip155:137", "completed")
	RecordBridgeJobTerminal("completed", 2, 0)
}
