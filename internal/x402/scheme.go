package x402

import "context"

// Scheme is the interface a payment scheme facilitator implements. The
// facilitator orchestrator (C5) dispatches to one Scheme per
// (requirements.Scheme, requirements.Network) pair, resolved from a
// static table built at construction (spec.md 9 — no runtime mutation).
type Scheme interface {
	// Verify checks a payment without settling it.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle re-verifies and executes the payment on-chain.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)

	// Network is the CAIP-2 network this instance serves.
	Network() string

	// SchemeName identifies the scheme tag ("exact" or "cross-chain").
	SchemeName() string
}
