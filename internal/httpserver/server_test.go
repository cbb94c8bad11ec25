package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/paybridge/facilitator/internal/audit"
	"github.com/paybridge/facilitator/internal/bridge"
	"github.com/paybridge/facilitator/internal/bridgestore"
	"github.com/paybridge/facilitator/internal/bridgeworker"
	"github.com/paybridge/facilitator/internal/config"
	"github.com/paybridge/facilitator/internal/facilitator"
	"github.com/paybridge/facilitator/internal/x402"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Security:  config.SecurityConfig{FilterEnabled: true, MaxBodySizeMB: 1},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Admin:     config.AdminConfig{Enabled: true},
		Auth:      config.AuthConfig{Type: "none"},
	}
}

type fakeScheme struct {
	network      string
	name         string
	verifyResult *x402.VerifyResponse
	settleResult *x402.SettleResponse
}

func (s *fakeScheme) Network() string    { return s.network }
func (s *fakeScheme) SchemeName() string { return s.name }
func (s *fakeScheme) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	return s.verifyResult, nil
}
func (s *fakeScheme) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	return s.settleResult, nil
}

func testFacilitator() *facilitator.Facilitator {
	exact := &fakeScheme{
		network:      "eip155:8453",
		name:         "exact",
		verifyResult: &x402.VerifyResponse{IsValid: true, Payer: "0xbuyer"},
		settleResult: &x402.SettleResponse{Success: true, Transaction: "0xtx"},
	}
	return facilitator.NewBuilder(discardLogger()).RegisterScheme(exact, nil).Build()
}

type fakeStore struct {
	mu    sync.Mutex
	byID  map[string]*bridgestore.BridgeJob
	byKey map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*bridgestore.BridgeJob), byKey: make(map[string]string)}
}

func (s *fakeStore) Create(ctx context.Context, job *bridgestore.BridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = uuid.NewString()
	cp := *job
	s.byID[job.ID] = &cp
	s.byKey[job.IdempotencyKey] = job.ID
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*bridgestore.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, bridgestore.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) GetByIdempotencyKey(ctx context.Context, key string) (*bridgestore.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, bridgestore.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *fakeStore) Update(ctx context.Context, job *bridgestore.BridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[job.ID]; !ok {
		return bridgestore.ErrNotFound
	}
	cp := *job
	s.byID[job.ID] = &cp
	return nil
}

func (s *fakeStore) List(ctx context.Context, status bridgestore.Status, limit int) ([]bridgestore.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []bridgestore.BridgeJob
	for _, job := range s.byID {
		if status == "" || job.Status == status {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (s *fakeStore) ListStale(ctx context.Context, cutoff time.Time) ([]bridgestore.BridgeJob, error) {
	return nil, nil
}

func (s *fakeStore) Close() error                      { return nil }
func (s *fakeStore) Migrate(ctx context.Context) error { return nil }

type noopProvider struct{}

func (noopProvider) SupportsChain(string) bool { return true }
func (noopProvider) IsUSDC(string, string) bool { return true }
func (noopProvider) CheckLiquidity(context.Context, string, string, string, string) (bool, error) {
	return true, nil
}
func (noopProvider) GetExchangeRate(context.Context, string, string, string, string) (float64, error) {
	return 1.0, nil
}
func (noopProvider) Bridge(context.Context, string, string, string, string, string, string) (bridge.Result, error) {
	return bridge.Result{}, nil
}

type noopConfirmer struct{}

func (noopConfirmer) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return &gethtypes.Receipt{Status: 1}, nil
}

func testWorker(store bridgestore.Store) *bridgeworker.Worker {
	cfg := config.BridgeConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, ConfirmDeadline: time.Second, StaleAfter: time.Hour, RecoveryInterval: time.Hour}
	return bridgeworker.New(store, noopProvider{}, map[string]bridgeworker.ChainConfirmer{"eip155:8453": noopConfirmer{}}, audit.New(discardLogger()), discardLogger(), cfg)
}

func TestHandleHealth(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp x402.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestHandleVerifyDispatchesToScheme(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())

	body := x402.VerifyRequestBody{
		PaymentPayload:      x402.PaymentPayload{X402Version: 1},
		PaymentRequirements: x402.PaymentRequirements{Scheme: "exact", Network: "eip155:8453"},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp x402.VerifyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.IsValid || resp.Payer != "0xbuyer" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleVerifyRejectsMalformedJSON(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())
	req := httptest.NewRequest(http.MethodPost, "/verify", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSettleDispatchesToScheme(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())

	body := x402.VerifyRequestBody{
		PaymentPayload:      x402.PaymentPayload{X402Version: 1},
		PaymentRequirements: x402.PaymentRequirements{Scheme: "exact", Network: "eip155:8453"},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/settle", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp x402.SettleResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xtx" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandleSupported(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/supported", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp x402.SupportedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Kinds) != 1 || resp.Kinds[0].Scheme != "exact" {
		t.Errorf("Kinds = %+v", resp.Kinds)
	}
}

func TestAdminBridgeJobRoutesRequireStoreAndWorker(t *testing.T) {
	srv := New(testConfig(), testFacilitator(), nil, nil, discardLogger())
	req := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when bridging is disabled", rec.Code)
	}
}

func TestAdminBridgeJobRoutesListAndGetAndCancel(t *testing.T) {
	store := newFakeStore()
	worker := testWorker(store)
	srv := New(testConfig(), testFacilitator(), worker, store, discardLogger())

	job := &bridgestore.BridgeJob{
		IdempotencyKey: "eip155:8453:0xsrc:eip155:11155111", SourceNetwork: "eip155:8453",
		SourceTxHash: "0xsrc", DestinationNetwork: "eip155:11155111", Amount: "1000",
		DestinationAsset: "0xdest", DestinationPayTo: "0xrecipient", Status: bridgestore.StatusPending,
	}
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200, body=%s", listRec.Code, listRec.Body.String())
	}

	getReq := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/"+job.ID, nil)
	getRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/admin/bridge-jobs/"+job.ID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204, body=%s", cancelRec.Code, cancelRec.Body.String())
	}
}

func TestAdminBridgeJobRoutesRequireAPIKeyWhenConfigured(t *testing.T) {
	store := newFakeStore()
	worker := testWorker(store)
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Type: "api-key", APIKey: "secret"}
	srv := New(cfg, testFacilitator(), worker, store, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without an API key", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/", nil)
	req2.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with a valid API key", rec2.Code)
	}
}

func TestGetBridgeJobNotFound(t *testing.T) {
	store := newFakeStore()
	worker := testWorker(store)
	srv := New(testConfig(), testFacilitator(), worker, store, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/admin/bridge-jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
