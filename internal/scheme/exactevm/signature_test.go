package exactevm

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestDecodeSignatureECDSA(t *testing.T) {
	raw := make([]byte, 65)
	for i := range raw {
		raw[i] = byte(i)
	}
	raw[64] = 27

	sig, err := DecodeSignature(raw)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	ecdsaSig, ok := sig.(ECDSASignature)
	if !ok {
		t.Fatalf("DecodeSignature() = %T, want ECDSASignature", sig)
	}
	if ecdsaSig.V != 0 {
		t.Errorf("V = %d, want 0 (normalized from 27)", ecdsaSig.V)
	}
}

func TestDecodeSignatureContract(t *testing.T) {
	raw := make([]byte, 130) // arbitrary non-65 length
	sig, err := DecodeSignature(raw)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	if _, ok := sig.(ContractSignature); !ok {
		t.Fatalf("DecodeSignature() = %T, want ContractSignature", sig)
	}
}

func TestDecodeSignatureEIP6492(t *testing.T) {
	factory := common.HexToAddress("0x1234567890123456789012345678901234567890")
	factoryData := []byte{0xde, 0xad, 0xbe, 0xef}
	inner := make([]byte, 65)

	packed, err := eip6492Args.Pack(factory, factoryData, inner)
	if err != nil {
		t.Fatalf("pack wrapper: %v", err)
	}
	wrapped := append(packed, eip6492MagicSuffix...)

	sig, err := DecodeSignature(wrapped)
	if err != nil {
		t.Fatalf("DecodeSignature: %v", err)
	}
	deployed, ok := sig.(DeployWrappedSignature)
	if !ok {
		t.Fatalf("DecodeSignature() = %T, want DeployWrappedSignature", sig)
	}
	if deployed.Factory != factory {
		t.Errorf("Factory = %s, want %s", deployed.Factory.Hex(), factory.Hex())
	}
	if !bytes.Equal(deployed.FactoryData, factoryData) {
		t.Errorf("FactoryData = %x, want %x", deployed.FactoryData, factoryData)
	}
	if !bytes.Equal(deployed.InnerSignature, inner) {
		t.Errorf("InnerSignature length = %d, want %d", len(deployed.InnerSignature), len(inner))
	}
}

func TestEip6492ArgsShape(t *testing.T) {
	if len(eip6492Args) != 3 {
		t.Fatalf("eip6492Args has %d entries, want 3", len(eip6492Args))
	}
	wantTypes := []string{"address", "bytes", "bytes"}
	for i, arg := range eip6492Args {
		if arg.Type.String() != wantTypes[i] {
			t.Errorf("eip6492Args[%d].Type = %s, want %s", i, arg.Type.String(), wantTypes[i])
		}
	}
}

func TestMustABITypePanicsOnInvalid(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("mustABIType(invalid) did not panic")
		}
	}()
	mustABIType("not-a-real-type")
}
