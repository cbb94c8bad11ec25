// Package exactevm implements the "exact" payment scheme (C3): verifying
// and settling EIP-3009 TransferWithAuthorization payloads, including
// all EIP-712 domain construction and the ECDSA/ERC-1271/EIP-6492
// signature paths.
package exactevm

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/paybridge/facilitator/internal/nonce"
	"github.com/paybridge/facilitator/internal/x402"
)

// ChainClient is the subset of chainclient.Client the exact-evm scheme
// needs to verify balances/signatures and settle transactions. Narrowed
// to a package-local interface so tests can substitute a fake instead
// of dialing a real chain, matching the pattern nonce.ChainReader and
// bridge.ChainOps already use.
type ChainClient interface {
	ChainID() *big.Int
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	IsValidERC1271Signature(ctx context.Context, account common.Address, hash [32]byte, sig []byte) (bool, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	SendRawCall(ctx context.Context, signer *ecdsa.PrivateKey, to common.Address, data []byte, txNonce uint64) (common.Hash, error)
	WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransferWithAuthorizationVRS(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte, txNonce uint64) (common.Hash, error)
	TransferWithAuthorizationBytes(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, signature []byte, txNonce uint64) (common.Hash, error)
}

var transferAuthorizationTypes = apitypes.Types{
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// clockSkewTolerance is the minimum remaining lifetime an authorization
// must have: verify accepts it only when validBefore lies more than this
// far past the server clock — spec.md 4.3 step 4 puts this at 6 seconds.
const clockSkewTolerance = 6 * time.Second

// Clock lets tests substitute a fixed time.
type Clock func() time.Time

// Scheme implements x402.Scheme for one CAIP-2 EVM network, using the
// facilitator's configured settlement signer.
type Scheme struct {
	network            string
	chain              ChainClient
	domains            *DomainCache
	nonces             *nonce.Manager
	signer             *ecdsa.PrivateKey
	signerAddr         common.Address
	deployWithEIP6492  bool
	now                Clock
}

// New builds an exact-evm scheme instance bound to one network.
func New(network string, chain ChainClient, domains *DomainCache, nonces *nonce.Manager, signer *ecdsa.PrivateKey, deployWithEIP6492 bool) *Scheme {
	return &Scheme{
		network:           network,
		chain:             chain,
		domains:           domains,
		nonces:            nonces,
		signer:            signer,
		signerAddr:        crypto.PubkeyToAddress(signer.PublicKey),
		deployWithEIP6492: deployWithEIP6492,
		now:               time.Now,
	}
}

func (s *Scheme) Network() string    { return s.network }
func (s *Scheme) SchemeName() string { return "exact" }

// SignerAddress is the facilitator's own settlement address on this
// network — used by the cross-chain router to validate and rewrite
// requirements.payTo, and by the orchestrator's /supported output.
func (s *Scheme) SignerAddress() common.Address { return s.signerAddr }

// verifyOutcome carries everything settle needs beyond what
// VerifyResponse exposes, so settle does not repeat the decode/recover
// work verify already did.
type verifyOutcome struct {
	response  *x402.VerifyResponse
	payload   Payload
	signature Signature
	from      common.Address
}

// Verify implements spec.md 4.3's verify steps 1-6.
func (s *Scheme) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	outcome, err := s.verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	return outcome.response, nil
}

func (s *Scheme) verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*verifyOutcome, error) {
	fail := func(reason string) (*verifyOutcome, error) {
		return &verifyOutcome{response: &x402.VerifyResponse{IsValid: false, InvalidReason: reason}}, nil
	}

	if payload.Accepted.Scheme != "exact" || requirements.Scheme != "exact" {
		return fail(x402.ReasonUnsupportedScheme)
	}
	if payload.Accepted.Network != requirements.Network || requirements.Network != s.network {
		return fail(x402.ReasonNetworkMismatch)
	}

	var extra x402.ExtraDomain
	if len(requirements.Extra) == 0 {
		return fail(x402.ReasonMissingEIP712Domain)
	}
	if err := json.Unmarshal(requirements.Extra, &extra); err != nil || extra.Name == "" || extra.Version == "" {
		return fail(x402.ReasonMissingEIP712Domain)
	}

	var p Payload
	if err := json.Unmarshal(payload.Payload, &p); err != nil {
		return fail(x402.ReasonInvalidSignature)
	}

	// Step 1: domain reconstruction.
	domain, _, err := s.domains.Resolve(ctx, s.network, requirements.Asset, extra, s.chain.ChainID())
	if err != nil {
		return fail(x402.ReasonDomainSeparatorMismatch)
	}

	// Step 2: signature recovery.
	sigBytes, err := hexToBytes(p.Signature)
	if err != nil {
		return fail(x402.ReasonInvalidSignature)
	}
	sig, err := DecodeSignature(sigBytes)
	if err != nil {
		return fail(x402.ReasonInvalidSignature)
	}

	from := common.HexToAddress(p.Authorization.From)
	valid, err := s.verifySignature(ctx, domain, p.Authorization, sig, from)
	if err != nil || !valid {
		return fail(x402.ReasonInvalidSignature)
	}

	// Step 3: recipient check.
	if !strings.EqualFold(p.Authorization.To, requirements.PayTo) {
		return fail(x402.ReasonRecipientMismatch)
	}

	// Step 4: temporal bounds.
	validBefore, ok := parseUnixSeconds(p.Authorization.ValidBefore)
	if !ok {
		return fail(x402.ReasonValidBefore)
	}
	validAfter, ok := parseUnixSeconds(p.Authorization.ValidAfter)
	if !ok {
		return fail(x402.ReasonValidAfter)
	}
	now := s.now()
	if !validBefore.After(now.Add(clockSkewTolerance)) {
		return fail(x402.ReasonValidBefore)
	}
	if validAfter.After(now) {
		return fail(x402.ReasonValidAfter)
	}

	// Step 5: balance check (best-effort; RPC failure does not fail verify).
	requiredAmount, err := decimal.NewFromString(requirements.Amount)
	if err != nil {
		return fail(x402.ReasonAuthorizationValue)
	}
	if balance, balErr := s.chain.BalanceOf(ctx, common.HexToAddress(requirements.Asset), from); balErr == nil {
		if decimal.NewFromBigInt(balance, 0).LessThan(requiredAmount) {
			return fail(x402.ReasonInsufficientFunds)
		}
	}

	// Step 6: value sufficiency.
	authValue, err := decimal.NewFromString(p.Authorization.Value)
	if err != nil || authValue.LessThan(requiredAmount) {
		return fail(x402.ReasonAuthorizationValue)
	}

	return &verifyOutcome{
		response:  &x402.VerifyResponse{IsValid: true, Payer: p.Authorization.From},
		payload:   p,
		signature: sig,
		from:      from,
	}, nil
}

// verifySignature dispatches to ECDSA recovery, ERC-1271, or the
// EIP-6492 deploy-then-validate path depending on the signature shape.
func (s *Scheme) verifySignature(ctx context.Context, domain apitypes.TypedDataDomain, auth Authorization, sig Signature, from common.Address) (bool, error) {
	hash, err := authorizationHash(domain, auth)
	if err != nil {
		return false, err
	}

	switch v := sig.(type) {
	case ECDSASignature:
		return recoverECDSA(hash, v, from)

	case ContractSignature:
		return s.chain.IsValidERC1271Signature(ctx, from, hash, v.Raw)

	case DeployWrappedSignature:
		hasCode, err := s.chain.HasCode(ctx, from)
		if err != nil {
			return false, err
		}
		if !hasCode {
			if !s.deployWithEIP6492 {
				return false, fmt.Errorf("exactevm: account %s undeployed and deployERC4337WithEIP6492 disabled", from.Hex())
			}
			// Deployment happens for real during settle, where a
			// transaction is actually broadcast; at verify time we
			// validate the inner signature against the counterfactual
			// account under the assumption deployment will succeed.
			return validateEIP6492Inner(v, hash, from)
		}
		return s.chain.IsValidERC1271Signature(ctx, from, hash, v.InnerSignature)

	default:
		return false, fmt.Errorf("exactevm: unrecognized signature type %T", sig)
	}
}

// validateEIP6492Inner recovers the ECDSA signer of a not-yet-deployed
// account's wrapped signature. Smart-contract wallets typically wrap an
// owner's ECDSA signature at counterfactual-deploy time; if the inner
// signature isn't a 65-byte ECDSA signature there is nothing more this
// facilitator can verify off-chain before the deployment transaction
// actually lands.
func validateEIP6492Inner(v DeployWrappedSignature, hash [32]byte, from common.Address) (bool, error) {
	inner, err := DecodeSignature(v.InnerSignature)
	if err != nil {
		return false, err
	}
	ecdsaSig, ok := inner.(ECDSASignature)
	if !ok {
		return false, fmt.Errorf("exactevm: eip-6492 inner signature is not ECDSA; cannot verify pre-deploy")
	}
	return recoverECDSA(hash, ecdsaSig, from)
}

// recoverECDSA recovers the signer from an authorization hash and a
// 65-byte (r, s, v) signature. sig.V is the normalized 0/1 recovery id;
// crypto.SigToPub re-adds the 27 that on-chain signatures (and
// sig.Raw's trailing byte) carry, so it must be given the normalized
// form rather than sig.Raw directly.
func recoverECDSA(hash [32]byte, sig ECDSASignature, from common.Address) (bool, error) {
	normalized := make([]byte, 65)
	copy(normalized[:32], sig.R[:])
	copy(normalized[32:64], sig.S[:])
	normalized[64] = sig.V

	pub, err := crypto.SigToPub(hash[:], normalized)
	if err != nil {
		return false, nil
	}
	recovered := crypto.PubkeyToAddress(*pub)
	return recovered == from, nil
}

// authorizationHash computes the \x19\x01-prefixed EIP-712 hash over a
// TransferWithAuthorization struct under the given domain.
func authorizationHash(domain apitypes.TypedDataDomain, auth Authorization) ([32]byte, error) {
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return [32]byte{}, fmt.Errorf("exactevm: authorization.value %q is not a valid integer", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return [32]byte{}, fmt.Errorf("exactevm: authorization.validAfter %q is not a valid integer", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return [32]byte{}, fmt.Errorf("exactevm: authorization.validBefore %q is not a valid integer", auth.ValidBefore)
	}
	nonceBytes, err := hexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return [32]byte{}, fmt.Errorf("exactevm: authorization.nonce must be 32 bytes hex")
	}
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	message := map[string]interface{}{
		"from":        common.HexToAddress(auth.From),
		"to":          common.HexToAddress(auth.To),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonce32,
	}

	authTypes := apitypes.Types{
		"TransferWithAuthorization": transferAuthorizationTypes["TransferWithAuthorization"],
		"EIP712Domain":              domainFieldTypes(domain),
	}

	td := apitypes.TypedData{
		Types:       authTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain,
		Message:     message,
	}

	domainSep, err := td.HashStruct("EIP712Domain", domain.Map())
	if err != nil {
		return [32]byte{}, err
	}
	msgHash, err := td.HashStruct(td.PrimaryType, message)
	if err != nil {
		return [32]byte{}, err
	}

	raw := append([]byte{0x19, 0x01}, domainSep...)
	raw = append(raw, msgHash...)
	return crypto.Keccak256Hash(raw), nil
}

// domainFieldTypes reconstructs the "EIP712Domain" type list matching
// whichever fields are actually set on domain, in the same name,
// version, chainId, verifyingContract, salt order buildDomain uses.
// apitypes.TypedDataDomain.Map() only emits set fields, so the type
// list handed to HashStruct must mirror that same subset or EncodeData
// rejects the mismatch as extra/missing data.
func domainFieldTypes(domain apitypes.TypedDataDomain) []apitypes.Type {
	fields := []apitypes.Type{}
	if domain.Name != "" {
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if domain.ChainId != nil {
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if domain.VerifyingContract != "" {
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if domain.Salt != "" {
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	return fields
}
