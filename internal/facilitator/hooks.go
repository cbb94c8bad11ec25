package facilitator

import (
	"context"

	"github.com/paybridge/facilitator/internal/x402"
)

// Hooks collects the lifecycle hooks the orchestrator runs around
// verify/settle (spec.md 9's typed-union replacement for the source's
// closure-based hook registry). Any subset may be left nil.
type Hooks struct {
	BeforeVerify  []x402.BeforeVerifyHook
	AfterVerify   []x402.AfterVerifyHook
	VerifyFailure []x402.VerifyFailureHook
	AfterSettle   []x402.AfterSettleHook
	SettleFailure []x402.SettleFailureHook
}

// Register adds h to every hook slice it satisfies. A single value
// (for example a metrics recorder) commonly implements more than one
// hook interface at once.
func (h *Hooks) Register(hook interface{}) {
	if v, ok := hook.(x402.BeforeVerifyHook); ok {
		h.BeforeVerify = append(h.BeforeVerify, v)
	}
	if v, ok := hook.(x402.AfterVerifyHook); ok {
		h.AfterVerify = append(h.AfterVerify, v)
	}
	if v, ok := hook.(x402.VerifyFailureHook); ok {
		h.VerifyFailure = append(h.VerifyFailure, v)
	}
	if v, ok := hook.(x402.AfterSettleHook); ok {
		h.AfterSettle = append(h.AfterSettle, v)
	}
	if v, ok := hook.(x402.SettleFailureHook); ok {
		h.SettleFailure = append(h.SettleFailure, v)
	}
}

// runBeforeVerify runs every registered hook in registration order,
// stopping at the first Abort.
func (h *Hooks) runBeforeVerify(ctx context.Context, vc *x402.VerifyContext) x402.HookResult {
	for _, hook := range h.BeforeVerify {
		if r := hook.OnBeforeVerify(ctx, vc); r.Abort {
			return r
		}
	}
	return x402.Continue()
}

func (h *Hooks) runAfterVerify(ctx context.Context, vc *x402.VerifyContext, result *x402.VerifyResponse) {
	for _, hook := range h.AfterVerify {
		hook.OnAfterVerify(ctx, vc, result)
	}
}

func (h *Hooks) runVerifyFailure(ctx context.Context, vc *x402.VerifyContext, reason string) {
	for _, hook := range h.VerifyFailure {
		hook.OnVerifyFailure(ctx, vc, reason)
	}
}

func (h *Hooks) runAfterSettle(ctx context.Context, sc *x402.SettleContext, result *x402.SettleResponse) {
	for _, hook := range h.AfterSettle {
		hook.OnAfterSettle(ctx, sc, result)
	}
}

func (h *Hooks) runSettleFailure(ctx context.Context, sc *x402.SettleContext, reason string) {
	for _, hook := range h.SettleFailure {
		hook.OnSettleFailure(ctx, sc, reason)
	}
}
