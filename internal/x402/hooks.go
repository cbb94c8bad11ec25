package x402

import "context"

// HookResult is the tagged result of a lifecycle hook: either Continue or
// Abort with a stable reason. This replaces the loosely-typed
// Record<string, unknown> context bag the source used for hooks with an
// exhaustive, typed dispatch (spec.md 9).
type HookResult struct {
	Abort  bool
	Reason string
}

// Continue lets the pipeline proceed.
func Continue() HookResult { return HookResult{} }

// Abort short-circuits the pipeline with a stable reason string.
func Abort(reason string) HookResult { return HookResult{Abort: true, Reason: reason} }

// VerifyContext carries the request-scoped data lifecycle hooks observe
// before/after verification.
type VerifyContext struct {
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	RequestID    string
}

// SettleContext carries the request-scoped data lifecycle hooks observe
// before/after settlement.
type SettleContext struct {
	Payload      *PaymentPayload
	Requirements *PaymentRequirements
	RequestID    string
}

// BeforeVerifyHook runs before scheme.Verify is invoked.
type BeforeVerifyHook interface {
	OnBeforeVerify(ctx context.Context, vc *VerifyContext) HookResult
}

// AfterVerifyHook observes the outcome of scheme.Verify.
type AfterVerifyHook interface {
	OnAfterVerify(ctx context.Context, vc *VerifyContext, result *VerifyResponse)
}

// VerifyFailureHook observes a verification failure specifically.
type VerifyFailureHook interface {
	OnVerifyFailure(ctx context.Context, vc *VerifyContext, reason string)
}

// AfterSettleHook observes the outcome of scheme.Settle.
type AfterSettleHook interface {
	OnAfterSettle(ctx context.Context, sc *SettleContext, result *SettleResponse)
}

// SettleFailureHook observes a settlement failure specifically.
type SettleFailureHook interface {
	OnSettleFailure(ctx context.Context, sc *SettleContext, reason string)
}

// HookFuncs is a convenience adapter bundling optional hook functions
// into the hook interfaces above, so callers can register a subset
// without declaring a named type per lifecycle point.
type HookFuncs struct {
	BeforeVerify  func(ctx context.Context, vc *VerifyContext) HookResult
	AfterVerify   func(ctx context.Context, vc *VerifyContext, result *VerifyResponse)
	VerifyFailure func(ctx context.Context, vc *VerifyContext, reason string)
	AfterSettle   func(ctx context.Context, sc *SettleContext, result *SettleResponse)
	SettleFailure func(ctx context.Context, sc *SettleContext, reason string)
}

func (h HookFuncs) OnBeforeVerify(ctx context.Context, vc *VerifyContext) HookResult {
	if h.BeforeVerify == nil {
		return Continue()
	}
	return h.BeforeVerify(ctx, vc)
}

func (h HookFuncs) OnAfterVerify(ctx context.Context, vc *VerifyContext, result *VerifyResponse) {
	if h.AfterVerify != nil {
		h.AfterVerify(ctx, vc, result)
	}
}

func (h HookFuncs) OnVerifyFailure(ctx context.Context, vc *VerifyContext, reason string) {
	if h.VerifyFailure != nil {
		h.VerifyFailure(ctx, vc, reason)
	}
}

func (h HookFuncs) OnAfterSettle(ctx context.Context, sc *SettleContext, result *SettleResponse) {
	if h.AfterSettle != nil {
		h.AfterSettle(ctx, sc, result)
	}
}

func (h HookFuncs) OnSettleFailure(ctx context.Context, sc *SettleContext, reason string) {
	if h.SettleFailure != nil {
		h.SettleFailure(ctx, sc, reason)
	}
}
