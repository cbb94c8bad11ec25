package exactevm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paybridge/facilitator/internal/x402"
)

// Domain field bitmask values (spec.md 4.3 step 1).
const (
	FieldName              = 0x01
	FieldVersion           = 0x02
	FieldChainID           = 0x04
	FieldVerifyingContract = 0x08
	FieldSalt              = 0x10
)

// defaultFieldMask resolves which EIP-712 domain fields to include when
// the merchant did not pin an explicit bitmask: {name, version, chainId,
// verifyingContract} normally, or {name, version, verifyingContract,
// salt} when a salt override is present instead of a chainId-keyed
// domain (spec.md 4.3 step 1's documented asymmetry).
func defaultFieldMask(hint *x402.DomainHint) int {
	if hint != nil && hint.Fields != nil {
		return *hint.Fields
	}
	if hint != nil && hint.Salt != nil {
		return FieldName | FieldVersion | FieldVerifyingContract | FieldSalt
	}
	return FieldName | FieldVersion | FieldChainID | FieldVerifyingContract
}

// fallbackMasks is the published enumeration of alternative field
// combinations tried, in order, when the merchant-declared domain does
// not reproduce the token's on-chain DOMAIN_SEPARATOR().
var fallbackMasks = []int{
	FieldName | FieldVersion | FieldChainID | FieldVerifyingContract,
	FieldName | FieldVersion | FieldVerifyingContract | FieldSalt,
	FieldName | FieldVersion | FieldVerifyingContract,
	FieldVersion | FieldChainID | FieldVerifyingContract,
	FieldName | FieldChainID | FieldVerifyingContract,
}

// buildDomain constructs the TypedDataDomain and matching "EIP712Domain"
// type list for one field mask.
func buildDomain(extra x402.ExtraDomain, mask int, chainID *big.Int, verifyingContract string) (apitypes.TypedDataDomain, apitypes.Types) {
	domain := apitypes.TypedDataDomain{}
	fields := []apitypes.Type{}

	if mask&FieldName != 0 {
		domain.Name = extra.Name
		fields = append(fields, apitypes.Type{Name: "name", Type: "string"})
	}
	if mask&FieldVersion != 0 {
		domain.Version = extra.Version
		fields = append(fields, apitypes.Type{Name: "version", Type: "string"})
	}
	if mask&FieldChainID != 0 {
		cid := chainID
		if extra.Domain != nil && extra.Domain.ChainID != nil {
			cid = big.NewInt(*extra.Domain.ChainID)
		}
		domain.ChainId = math.NewHexOrDecimal256(cid.Int64())
		fields = append(fields, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if mask&FieldVerifyingContract != 0 {
		domain.VerifyingContract = verifyingContract
		fields = append(fields, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if mask&FieldSalt != 0 {
		salt := ""
		if extra.Domain != nil && extra.Domain.Salt != nil {
			salt = *extra.Domain.Salt
		}
		domain.Salt = salt
		fields = append(fields, apitypes.Type{Name: "salt", Type: "bytes32"})
	}

	return domain, apitypes.Types{"EIP712Domain": fields}
}

// domainSeparator hashes the EIP712Domain struct for one candidate
// field mask.
func domainSeparator(extra x402.ExtraDomain, mask int, chainID *big.Int, verifyingContract string) ([32]byte, apitypes.TypedDataDomain, error) {
	domain, types := buildDomain(extra, mask, chainID, verifyingContract)
	td := apitypes.TypedData{Types: types, PrimaryType: "EIP712Domain", Domain: domain}
	hash, err := td.HashStruct("EIP712Domain", domain.Map())
	if err != nil {
		return [32]byte{}, domain, fmt.Errorf("exactevm: hash EIP712Domain (mask %#x): %w", mask, err)
	}
	var out [32]byte
	copy(out[:], hash)
	return out, domain, nil
}

// ResolveDomain reconstructs the EIP-712 domain a token actually signs
// over. When the merchant did not pin an explicit extra.domain
// override, it starts from the default field mask and, if that does
// not reproduce the token's on-chain separator, walks the published
// fallback enumeration before giving up. When the merchant DID pin an
// explicit override, spec.md 4.3 step 1 makes a mismatch fatal
// immediately: the fallback enumeration is never consulted, since
// silently accepting a signature under a domain combination the
// merchant never declared would validate against undeclared terms.
// onChain is the token's DOMAIN_SEPARATOR() return value.
func ResolveDomain(extra x402.ExtraDomain, chainID *big.Int, verifyingContract string, onChain [32]byte) (apitypes.TypedDataDomain, int, error) {
	primary := defaultFieldMask(extra.Domain)

	candidates := []int{primary}
	if extra.Domain == nil {
		candidates = append(candidates, fallbackMasks...)
	}

	tried := map[int]bool{}
	for _, mask := range candidates {
		if tried[mask] {
			continue
		}
		tried[mask] = true

		separator, domain, err := domainSeparator(extra, mask, chainID, verifyingContract)
		if err != nil {
			continue
		}
		if separator == onChain {
			return domain, mask, nil
		}
	}

	if extra.Domain != nil {
		return apitypes.TypedDataDomain{}, 0, fmt.Errorf("exactevm: declared domain override does not reproduce the on-chain separator")
	}
	return apitypes.TypedDataDomain{}, 0, fmt.Errorf("exactevm: no candidate EIP-712 domain reproduces the on-chain separator")
}
