// Package facilitator implements the Facilitator Orchestrator (C5) and
// the Cross-Chain Router (C6): the HTTP-independent request/settle
// pipeline that resolves a scheme by (scheme, network), runs lifecycle
// hooks around it, and assembles the /supported discovery response.
package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/paybridge/facilitator/internal/x402"
)

// schemeKey identifies one registered (scheme tag, network) route.
type schemeKey struct {
	scheme  string
	network string
}

// Facilitator dispatches verify/settle requests to a static table of
// schemes built once at construction (spec.md 9: "a builder that
// consumes a static scheme table"; no runtime registration).
type Facilitator struct {
	schemes map[schemeKey]x402.Scheme
	hooks   Hooks
	logger  *slog.Logger

	supportedKinds []x402.SupportedKind
	extensionKeys  []string
	signers        map[string][]string
}

// Builder assembles a Facilitator's static scheme table before Build
// freezes it.
type Builder struct {
	f *Facilitator
}

// NewBuilder starts a Facilitator build.
func NewBuilder(logger *slog.Logger) *Builder {
	return &Builder{f: &Facilitator{
		schemes: make(map[schemeKey]x402.Scheme),
		signers: make(map[string][]string),
		logger:  logger,
	}}
}

// RegisterScheme adds one (scheme, network) route. extra is carried
// verbatim into the /supported response's matching SupportedKind entry.
func (b *Builder) RegisterScheme(s x402.Scheme, extra json.RawMessage) *Builder {
	key := schemeKey{scheme: s.SchemeName(), network: s.Network()}
	b.f.schemes[key] = s
	b.f.supportedKinds = append(b.f.supportedKinds, x402.SupportedKind{
		X402Version: 1,
		Scheme:      s.SchemeName(),
		Network:     s.Network(),
		Extra:       extra,
	})
	return b
}

// RegisterExtensionKey declares an extension key advertised in
// /supported (for example crosschain.ExtensionKey).
func (b *Builder) RegisterExtensionKey(key string) *Builder {
	b.f.extensionKeys = append(b.f.extensionKeys, key)
	return b
}

// RegisterSigner records a facilitator signing address under a chain
// family label (e.g. "eip155") for the /supported response.
func (b *Builder) RegisterSigner(family, address string) *Builder {
	b.f.signers[family] = append(b.f.signers[family], address)
	return b
}

// RegisterHook wires a lifecycle hook implementation into every hook
// interface it satisfies.
func (b *Builder) RegisterHook(hook interface{}) *Builder {
	b.f.hooks.Register(hook)
	return b
}

// Build freezes the scheme table and returns the Facilitator.
func (b *Builder) Build() *Facilitator {
	return b.f
}

// resolve implements dispatch step 2 (spec.md 4.5): unknown
// scheme/network resolves to ReasonUnsupportedScheme.
func (f *Facilitator) resolve(requirements *x402.PaymentRequirements) (x402.Scheme, bool) {
	s, ok := f.schemes[schemeKey{scheme: requirements.Scheme, network: requirements.Network}]
	return s, ok
}

// Verify implements POST /verify's dispatch logic: resolve, run
// onBeforeVerify hooks, delegate, run onAfterVerify/onVerifyFailure.
func (f *Facilitator) Verify(ctx context.Context, body *x402.VerifyRequestBody) (*x402.VerifyResponse, error) {
	payload, requirements := &body.PaymentPayload, &body.PaymentRequirements

	scheme, ok := f.resolve(requirements)
	if !ok {
		resp := &x402.VerifyResponse{IsValid: false, InvalidReason: x402.ReasonUnsupportedScheme}
		f.hooks.runVerifyFailure(ctx, &x402.VerifyContext{Payload: payload, Requirements: requirements}, x402.ReasonUnsupportedScheme)
		return resp, nil
	}

	vc := &x402.VerifyContext{Payload: payload, Requirements: requirements}
	if r := f.hooks.runBeforeVerify(ctx, vc); r.Abort {
		resp := &x402.VerifyResponse{IsValid: false, InvalidReason: r.Reason}
		f.hooks.runVerifyFailure(ctx, vc, r.Reason)
		return resp, nil
	}

	result, err := scheme.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("facilitator: scheme verify: %w", err)
	}

	f.hooks.runAfterVerify(ctx, vc, result)
	if !result.IsValid {
		f.hooks.runVerifyFailure(ctx, vc, result.InvalidReason)
	}
	return result, nil
}

// Settle implements POST /settle's dispatch logic, mirroring Verify.
func (f *Facilitator) Settle(ctx context.Context, body *x402.VerifyRequestBody) (*x402.SettleResponse, error) {
	payload, requirements := &body.PaymentPayload, &body.PaymentRequirements

	scheme, ok := f.resolve(requirements)
	if !ok {
		resp := &x402.SettleResponse{Success: false, ErrorReason: x402.ReasonUnsupportedScheme}
		f.hooks.runSettleFailure(ctx, &x402.SettleContext{Payload: payload, Requirements: requirements}, x402.ReasonUnsupportedScheme)
		return resp, nil
	}

	sc := &x402.SettleContext{Payload: payload, Requirements: requirements}
	if r := f.hooks.runBeforeVerify(ctx, &x402.VerifyContext{Payload: payload, Requirements: requirements}); r.Abort {
		resp := &x402.SettleResponse{Success: false, ErrorReason: r.Reason}
		f.hooks.runSettleFailure(ctx, sc, r.Reason)
		return resp, nil
	}

	result, err := scheme.Settle(ctx, payload, requirements)
	if err != nil {
		return nil, fmt.Errorf("facilitator: scheme settle: %w", err)
	}

	f.hooks.runAfterSettle(ctx, sc, result)
	if !result.Success {
		f.hooks.runSettleFailure(ctx, sc, result.ErrorReason)
	}
	return result, nil
}

// Supported implements GET /supported (spec.md 4.5).
func (f *Facilitator) Supported() *x402.SupportedResponse {
	return &x402.SupportedResponse{
		Kinds:      f.supportedKinds,
		Extensions: f.extensionKeys,
		Signers:    f.signers,
	}
}
