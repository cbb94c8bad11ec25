// Package bridge implements the Bridge Provider capability (C7): the
// abstraction over an opaque burn-and-mint USDC bridge network, plus a
// reference implementation the facilitator can run standalone.
package bridge

import "context"

// Result is what a bridge call returns immediately; DestinationTxHash
// and MessageID may be empty if the mint has not yet confirmed by the
// time the call returns (spec.md 4.7). The bridge worker stores these
// fields as returned when it marks the job completed; it does not fill
// in an empty DestinationTxHash or MessageID later.
type Result struct {
	BridgeTxHash      string
	DestinationTxHash string
	MessageID         string
	SourceChain       string
	DestChain         string
}

// Provider abstracts the burn-and-mint USDC bridge network (spec.md
// 4.7). Implementations are free to call out to a real bridge protocol;
// this package's own SimpleProvider is a reference implementation
// suitable for a single-operator deployment or for tests.
type Provider interface {
	SupportsChain(network string) bool
	IsUSDC(network, address string) bool
	CheckLiquidity(ctx context.Context, source, dest, asset, amount string) (bool, error)
	// GetExchangeRate returns the destination-asset units per one
	// source-asset unit; 1.0 for USDC-to-USDC burn-and-mint.
	GetExchangeRate(ctx context.Context, source, dest, sourceAsset, destAsset string) (float64, error)
	Bridge(ctx context.Context, source, sourceTxHash, dest, destAsset, amount, recipient string) (Result, error)
}
