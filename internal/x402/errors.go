package x402

import "fmt"

// FacilitatorError carries a stable reason string plus, optionally, the
// underlying cause. Verify/settle failure reasons are returned as plain
// strings on VerifyResponse/SettleResponse (never as Go errors that cross
// the HTTP boundary); FacilitatorError is for the cases that DO need to
// propagate as errors — infrastructure failures, hook plumbing, and
// internal callers that want Go error semantics before the reason is
// flattened into a response.
type FacilitatorError struct {
	Reason  string
	Message string
	Cause   error
}

func (e *FacilitatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *FacilitatorError) Unwrap() error {
	return e.Cause
}

// NewError builds a FacilitatorError with the given stable reason.
func NewError(reason, message string, cause error) *FacilitatorError {
	return &FacilitatorError{Reason: reason, Message: message, Cause: cause}
}

// Verify failure reasons (spec.md 4.3, 4.5).
const (
	ReasonUnsupportedScheme            = "unsupported_scheme"
	ReasonNetworkMismatch              = "network_mismatch"
	ReasonMissingEIP712Domain          = "missing_eip712_domain"
	ReasonDomainSeparatorMismatch      = "domain_separator_mismatch"
	ReasonInvalidSignature             = "invalid_exact_evm_payload_signature"
	ReasonRecipientMismatch            = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonValidBefore                  = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonValidAfter                   = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonInsufficientFunds            = "insufficient_funds"
	ReasonAuthorizationValue           = "authorization_value"
	ReasonMissingCrossChainExtension   = "missing_cross_chain_extension"
	ReasonInvalidDestinationPayTo      = "invalid_destination_pay_to"
	ReasonUnsupportedChainPair         = "unsupported_chain_pair"
	ReasonUnsupportedSourceAsset       = "unsupported_source_asset"
	ReasonUnsupportedDestinationAsset  = "unsupported_destination_asset"
	ReasonInvalidSourcePayTo           = "invalid_source_pay_to"
	ReasonInsufficientBridgeLiquidity  = "insufficient_bridge_liquidity"
	ReasonInvalidExchangeRate          = "invalid_exchange_rate"
)

// Settle failure reasons (spec.md 4.3, 7).
const (
	ReasonInvalidTransactionState = "invalid_transaction_state"
	ReasonTransactionFailed       = "transaction_failed"
)

// Bridge job failure classification (spec.md 4.8).
const (
	RecoverabilityPermanent = "permanent"
	RecoverabilityTransient = "transient"
)
