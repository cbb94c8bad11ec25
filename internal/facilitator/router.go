package facilitator

import (
	"context"
	"strings"

	"github.com/paybridge/facilitator/internal/bridge"
	"github.com/paybridge/facilitator/internal/bridgeworker"
	"github.com/paybridge/facilitator/internal/crosschain"
	"github.com/paybridge/facilitator/internal/x402"
)

// CrossChainRouter implements the "cross-chain" scheme tag (C6): a thin
// adapter in front of one network's exact-evm scheme that enforces the
// mandatory cross-chain pre-verify checks (spec.md 4.5) and rewrites
// requirements.payTo to the facilitator's own address before
// delegating, so the on-chain authorization pays the facilitator
// rather than the merchant directly.
type CrossChainRouter struct {
	network            string
	exact              x402.Scheme
	provider           bridge.Provider
	facilitatorAddress string // lowercase hex, this network's settlement address
	worker             *bridgeworker.Worker
	bridgingEnabled    bool
}

// NewCrossChainRouter builds a router for one source network.
// facilitatorAddress must be this network's exact-evm settlement
// signer's own address.
func NewCrossChainRouter(network string, exact x402.Scheme, provider bridge.Provider, facilitatorAddress string, worker *bridgeworker.Worker, bridgingEnabled bool) *CrossChainRouter {
	return &CrossChainRouter{
		network:            network,
		exact:              exact,
		provider:           provider,
		facilitatorAddress: strings.ToLower(facilitatorAddress),
		worker:             worker,
		bridgingEnabled:    bridgingEnabled,
	}
}

func (r *CrossChainRouter) Network() string    { return r.network }
func (r *CrossChainRouter) SchemeName() string { return "cross-chain" }

// Verify runs the mandatory cross-chain checks, then delegates to the
// underlying exact-evm scheme with payTo rewritten to the facilitator's
// own address.
func (r *CrossChainRouter) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	_, reason := r.validate(ctx, payload, requirements)
	if reason != "" {
		return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}, nil
	}
	rewritten := requirements.Clone()
	rewritten.PayTo = r.facilitatorAddress
	return r.exact.Verify(ctx, payload, &rewritten)
}

// Settle re-runs the cross-chain checks, delegates settlement to the
// underlying exact-evm scheme, and — on success — enqueues the bridge
// job that carries funds to the destination chain (spec.md 4.5,
// after-settle bridging trigger).
func (r *CrossChainRouter) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettleResponse, error) {
	info, reason := r.validate(ctx, payload, requirements)
	if reason != "" {
		return &x402.SettleResponse{Success: false, ErrorReason: reason}, nil
	}

	rewritten := requirements.Clone()
	rewritten.PayTo = r.facilitatorAddress
	result, err := r.exact.Settle(ctx, payload, &rewritten)
	if err != nil {
		return nil, err
	}

	if result.Success && r.bridgingEnabled && r.worker != nil && !strings.EqualFold(r.network, info.DestinationNetwork) {
		if _, enqueueErr := r.worker.Enqueue(ctx, bridgeworker.EnqueueRequest{
			SourceNetwork:      r.network,
			SourceTxHash:       result.Transaction,
			DestinationNetwork: info.DestinationNetwork,
			Amount:             requirements.Amount,
			DestinationAsset:   info.DestinationAsset,
			DestinationPayTo:   info.DestinationPayTo,
		}); enqueueErr != nil {
			// Bridge errors never surface on the settle response
			// (spec.md 7, item 5); Worker.Enqueue logs its store
			// lookup and create failures for operators.
			_ = enqueueErr
		}
	}

	return result, nil
}

// validate runs the mandatory cross-chain pre-verify checks in the
// order spec.md 4.5 lists them, returning the extracted Info and an
// empty reason on success, or a nil Info and the first failing reason.
func (r *CrossChainRouter) validate(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*crosschain.Info, string) {
	info := crosschain.ExtractCrossChainInfo(payload.Extensions)
	if info == nil {
		return nil, x402.ReasonMissingCrossChainExtension
	}
	if !crosschain.IsValidAddress(info.DestinationPayTo) {
		return nil, x402.ReasonInvalidDestinationPayTo
	}
	if !r.provider.SupportsChain(requirements.Network) || !r.provider.SupportsChain(info.DestinationNetwork) {
		return nil, x402.ReasonUnsupportedChainPair
	}
	if !r.provider.IsUSDC(requirements.Network, requirements.Asset) {
		return nil, x402.ReasonUnsupportedSourceAsset
	}
	if !r.provider.IsUSDC(info.DestinationNetwork, info.DestinationAsset) {
		return nil, x402.ReasonUnsupportedDestinationAsset
	}
	if !strings.EqualFold(requirements.PayTo, r.facilitatorAddress) {
		return nil, x402.ReasonInvalidSourcePayTo
	}
	ok, err := r.provider.CheckLiquidity(ctx, requirements.Network, info.DestinationNetwork, info.DestinationAsset, requirements.Amount)
	if err != nil || !ok {
		return nil, x402.ReasonInsufficientBridgeLiquidity
	}
	if !strings.EqualFold(requirements.Asset, info.DestinationAsset) {
		rate, err := r.provider.GetExchangeRate(ctx, requirements.Network, info.DestinationNetwork, requirements.Asset, info.DestinationAsset)
		if err != nil || rate <= 0 {
			return nil, x402.ReasonInvalidExchangeRate
		}
	}
	return info, ""
}
