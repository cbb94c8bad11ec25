package exactevm

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Signature is the sum type over the three shapes a payer's signature
// can take (spec.md 9's redesign direction: a closed interface rather
// than branching on byte length inline at every call site).
type Signature interface {
	// Bytes returns the raw signature bytes as received on the wire.
	Bytes() []byte
	signatureMarker()
}

// ECDSASignature is a plain 65-byte (r, s, v) secp256k1 signature —
// the common case for an EOA payer.
type ECDSASignature struct {
	Raw []byte
	R   [32]byte
	S   [32]byte
	V   byte
}

func (s ECDSASignature) Bytes() []byte { return s.Raw }
func (ECDSASignature) signatureMarker() {}

// ContractSignature is an arbitrary-length ERC-1271 signature validated
// by calling isValidSignature on the payer's already-deployed contract
// account.
type ContractSignature struct {
	Raw []byte
}

func (s ContractSignature) Bytes() []byte { return s.Raw }
func (ContractSignature) signatureMarker() {}

// DeployWrappedSignature is an EIP-6492 signature: the payer's account
// has not been deployed yet, so the wrapper carries the factory call
// needed to deploy it plus the inner signature to validate afterward.
type DeployWrappedSignature struct {
	Raw            []byte
	Factory        common.Address
	FactoryData    []byte
	InnerSignature []byte
}

func (s DeployWrappedSignature) Bytes() []byte { return s.Raw }
func (DeployWrappedSignature) signatureMarker() {}

// eip6492MagicSuffix is the fixed 32-byte suffix EIP-6492 wrapped
// signatures append: the two bytes 0x6492 repeated sixteen times, per
// the ERC's magic-bytes convention.
var eip6492MagicSuffix = common.FromHex("0x6492649264926492649264926492649264926492649264926492649264926492")

var eip6492Args = abi.Arguments{
	{Type: mustABIType("address")},
	{Type: mustABIType("bytes")},
	{Type: mustABIType("bytes")},
}

func mustABIType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// DecodeSignature classifies a raw signature into one of the three
// shapes: EIP-6492 wrapped (magic suffix present), 65-byte ECDSA, or an
// opaque ERC-1271 contract signature (spec.md 4.3 step 3's "decode
// signature length" dispatch).
func DecodeSignature(raw []byte) (Signature, error) {
	if len(raw) >= 32 && bytes.Equal(raw[len(raw)-32:], eip6492MagicSuffix) {
		body := raw[:len(raw)-32]
		values, err := eip6492Args.Unpack(body)
		if err != nil {
			return nil, fmt.Errorf("exactevm: decode eip-6492 wrapper: %w", err)
		}
		factory, ok := values[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("exactevm: eip-6492 wrapper: unexpected factory type")
		}
		factoryData, ok := values[1].([]byte)
		if !ok {
			return nil, fmt.Errorf("exactevm: eip-6492 wrapper: unexpected factoryData type")
		}
		inner, ok := values[2].([]byte)
		if !ok {
			return nil, fmt.Errorf("exactevm: eip-6492 wrapper: unexpected innerSignature type")
		}
		return DeployWrappedSignature{Raw: raw, Factory: factory, FactoryData: factoryData, InnerSignature: inner}, nil
	}

	if len(raw) == 65 {
		var r, s [32]byte
		copy(r[:], raw[0:32])
		copy(s[:], raw[32:64])
		v := raw[64]
		if v >= 27 {
			v -= 27
		}
		return ECDSASignature{Raw: raw, R: r, S: s, V: v}, nil
	}

	return ContractSignature{Raw: raw}, nil
}
