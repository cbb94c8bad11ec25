package facilitator

import (
	"context"
	"log/slog"
	"testing"

	"github.com/paybridge/facilitator/internal/x402"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type fakeScheme struct {
	network      string
	name         string
	verifyResult *x402.VerifyResponse
	settleResult *x402.SettleResponse
	verifyCalls  int
	settleCalls  int
}

func (s *fakeScheme) Network() string    { return s.network }
func (s *fakeScheme) SchemeName() string { return s.name }

func (s *fakeScheme) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	s.verifyCalls++
	return s.verifyResult, nil
}

func (s *fakeScheme) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	s.settleCalls++
	return s.settleResult, nil
}

func requestBody(scheme, network string) *x402.VerifyRequestBody {
	return &x402.VerifyRequestBody{
		PaymentPayload:      x402.PaymentPayload{X402Version: 1},
		PaymentRequirements: x402.PaymentRequirements{Scheme: scheme, Network: network},
	}
}

func TestVerifyResolvesUnsupportedScheme(t *testing.T) {
	f := NewBuilder(discardLogger()).Build()

	resp, err := f.Verify(context.Background(), requestBody("exact", "eip155:1"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Error("expected isValid=false for an unregistered scheme/network")
	}
	if resp.InvalidReason != x402.ReasonUnsupportedScheme {
		t.Errorf("InvalidReason = %q, want %q", resp.InvalidReason, x402.ReasonUnsupportedScheme)
	}
}

func TestVerifyDispatchesToRegisteredScheme(t *testing.T) {
	scheme := &fakeScheme{network: "eip155:8453", name: "exact", verifyResult: &x402.VerifyResponse{IsValid: true, Payer: "0xbuyer"}}
	f := NewBuilder(discardLogger()).RegisterScheme(scheme, nil).Build()

	resp, err := f.Verify(context.Background(), requestBody("exact", "eip155:8453"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !resp.IsValid || resp.Payer != "0xbuyer" {
		t.Errorf("Verify result = %+v, want isValid=true payer=0xbuyer", resp)
	}
	if scheme.verifyCalls != 1 {
		t.Errorf("scheme.Verify called %d times, want 1", scheme.verifyCalls)
	}
}

type abortHook struct{ reason string }

func (h abortHook) OnBeforeVerify(ctx context.Context, vc *x402.VerifyContext) x402.HookResult {
	return x402.Abort(h.reason)
}

func TestBeforeVerifyHookAborts(t *testing.T) {
	scheme := &fakeScheme{network: "eip155:8453", name: "exact", verifyResult: &x402.VerifyResponse{IsValid: true}}
	f := NewBuilder(discardLogger()).RegisterScheme(scheme, nil).RegisterHook(abortHook{reason: "blocked_by_policy"}).Build()

	resp, err := f.Verify(context.Background(), requestBody("exact", "eip155:8453"))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if resp.IsValid {
		t.Error("expected isValid=false when a hook aborts")
	}
	if resp.InvalidReason != "blocked_by_policy" {
		t.Errorf("InvalidReason = %q, want blocked_by_policy", resp.InvalidReason)
	}
	if scheme.verifyCalls != 0 {
		t.Errorf("scheme.Verify called after abort, want 0 calls, got %d", scheme.verifyCalls)
	}
}

type recordingHook struct {
	afterVerifyCalls   int
	verifyFailureCalls int
	lastFailureReason  string
}

func (h *recordingHook) OnAfterVerify(ctx context.Context, vc *x402.VerifyContext, result *x402.VerifyResponse) {
	h.afterVerifyCalls++
}

func (h *recordingHook) OnVerifyFailure(ctx context.Context, vc *x402.VerifyContext, reason string) {
	h.verifyFailureCalls++
	h.lastFailureReason = reason
}

func TestAfterVerifyAndFailureHooksFire(t *testing.T) {
	scheme := &fakeScheme{network: "eip155:8453", name: "exact", verifyResult: &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonInsufficientFunds}}
	hook := &recordingHook{}
	f := NewBuilder(discardLogger()).RegisterScheme(scheme, nil).RegisterHook(hook).Build()

	if _, err := f.Verify(context.Background(), requestBody("exact", "eip155:8453")); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if hook.afterVerifyCalls != 1 {
		t.Errorf("afterVerifyCalls = %d, want 1", hook.afterVerifyCalls)
	}
	if hook.verifyFailureCalls != 1 || hook.lastFailureReason != x402.ReasonInsufficientFunds {
		t.Errorf("verifyFailure hook = %d calls, reason %q; want 1 call, reason %q", hook.verifyFailureCalls, hook.lastFailureReason, x402.ReasonInsufficientFunds)
	}
}

func TestSettleDispatchesAndRunsHooks(t *testing.T) {
	scheme := &fakeScheme{network: "eip155:8453", name: "exact", settleResult: &x402.SettleResponse{Success: true, Transaction: "0xtx"}}
	f := NewBuilder(discardLogger()).RegisterScheme(scheme, nil).Build()

	resp, err := f.Settle(context.Background(), requestBody("exact", "eip155:8453"))
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !resp.Success || resp.Transaction != "0xtx" {
		t.Errorf("Settle result = %+v", resp)
	}
	if scheme.settleCalls != 1 {
		t.Errorf("scheme.Settle called %d times, want 1", scheme.settleCalls)
	}
}

func TestSupportedAssemblesRegisteredKinds(t *testing.T) {
	exact := &fakeScheme{network: "eip155:8453", name: "exact"}
	crossChain := &fakeScheme{network: "eip155:8453", name: "cross-chain"}
	f := NewBuilder(discardLogger()).
		RegisterScheme(exact, nil).
		RegisterScheme(crossChain, nil).
		RegisterExtensionKey("cross-chain").
		RegisterSigner("eip155", "0xfacilitator").
		Build()

	supported := f.Supported()
	if len(supported.Kinds) != 2 {
		t.Errorf("Kinds has %d entries, want 2", len(supported.Kinds))
	}
	if len(supported.Extensions) != 1 || supported.Extensions[0] != "cross-chain" {
		t.Errorf("Extensions = %v, want [cross-chain]", supported.Extensions)
	}
	if got := supported.Signers["eip155"]; len(got) != 1 || got[0] != "0xfacilitator" {
		t.Errorf("Signers[eip155] = %v, want [0xfacilitator]", got)
	}
}
