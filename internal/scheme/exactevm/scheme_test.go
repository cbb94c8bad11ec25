package exactevm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paybridge/facilitator/internal/nonce"
	"github.com/paybridge/facilitator/internal/x402"
)

const testNetwork = "eip155:8453"

// fakeChain is a hand-written stand-in for chainclient.Client, covering
// exactly the ChainClient and nonce.ChainReader methods a verify/settle
// round trip exercises.
type fakeChain struct {
	chainID       *big.Int
	balance       *big.Int
	hasCode       bool
	pendingNonce  uint64
	sentTx        common.Hash
	sendErr       error
	receiptStatus uint64
}

func (f *fakeChain) ChainID() *big.Int { return f.chainID }

func (f *fakeChain) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) IsValidERC1271Signature(ctx context.Context, account common.Address, hash [32]byte, sig []byte) (bool, error) {
	return false, nil
}

func (f *fakeChain) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	return f.hasCode, nil
}

func (f *fakeChain) SendRawCall(ctx context.Context, signer *ecdsa.PrivateKey, to common.Address, data []byte, txNonce uint64) (common.Hash, error) {
	return f.sentTx, f.sendErr
}

func (f *fakeChain) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: f.receiptStatus}, nil
}

func (f *fakeChain) TransferWithAuthorizationVRS(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, v uint8, r, s [32]byte, txNonce uint64) (common.Hash, error) {
	return f.sentTx, f.sendErr
}

func (f *fakeChain) TransferWithAuthorizationBytes(ctx context.Context, signer *ecdsa.PrivateKey, token, from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte, signature []byte, txNonce uint64) (common.Hash, error) {
	return f.sentTx, f.sendErr
}

func (f *fakeChain) GetTransactionCount(ctx context.Context, addr common.Address, pending bool) (uint64, error) {
	return f.pendingNonce, nil
}

// fakeDomainReader answers DomainSeparator with whatever an earlier
// call to domainSeparator computed for the default field mask, so
// DomainCache.Resolve succeeds on its first candidate.
type fakeDomainReader struct {
	separator [32]byte
}

func (f fakeDomainReader) DomainSeparator(ctx context.Context, token common.Address) ([32]byte, error) {
	return f.separator, nil
}

// testFixture bundles a signed, self-consistent verify/settle payload.
type testFixture struct {
	chain        *fakeChain
	scheme       *Scheme
	requirements *x402.PaymentRequirements
	payload      *x402.PaymentPayload
}

func newTestFixture(t *testing.T, amount string) *testFixture {
	t.Helper()

	payerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate payer key: %v", err)
	}
	settlementKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate settlement key: %v", err)
	}
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)

	asset := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	payTo := common.HexToAddress("0x00000000000000000000000000000000000abc")
	chainID := big.NewInt(8453)

	extra := x402.ExtraDomain{Name: "USD Coin", Version: "2"}
	mask := defaultFieldMask(extra.Domain)
	separator, domain, err := domainSeparator(extra, mask, chainID, asset.Hex())
	if err != nil {
		t.Fatalf("compute domain separator: %v", err)
	}

	auth := Authorization{
		From:        payer.Hex(),
		To:          payTo.Hex(),
		Value:       amount,
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{1}, 32)),
	}

	hash, err := authorizationHash(domain, auth)
	if err != nil {
		t.Fatalf("authorization hash: %v", err)
	}
	sig, err := crypto.Sign(hash[:], payerKey)
	if err != nil {
		t.Fatalf("sign authorization: %v", err)
	}
	sig[64] += 27

	payload := Payload{Authorization: auth, Signature: "0x" + common.Bytes2Hex(sig)}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	extraRaw, err := json.Marshal(extra)
	if err != nil {
		t.Fatalf("marshal extra: %v", err)
	}

	requirements := &x402.PaymentRequirements{
		Scheme:  "exact",
		Network: testNetwork,
		Amount:  "1000000",
		Asset:   asset.Hex(),
		PayTo:   payTo.Hex(),
		Extra:   extraRaw,
	}

	chain := &fakeChain{
		chainID:       chainID,
		balance:       big.NewInt(1_000_000_000),
		receiptStatus: 1,
		sentTx:        common.HexToHash("0x1234"),
	}
	domains := NewDomainCache(map[string]DomainReader{testNetwork: fakeDomainReader{separator: separator}})
	nonces := nonce.New(map[string]nonce.ChainReader{testNetwork: chain})
	scheme := New(testNetwork, chain, domains, nonces, settlementKey, false)
	scheme.now = func() time.Time { return time.Unix(1_000, 0) }

	return &testFixture{
		chain:        chain,
		scheme:       scheme,
		requirements: requirements,
		payload: &x402.PaymentPayload{
			X402Version: 1,
			Accepted:    *requirements,
			Payload:     payloadRaw,
		},
	}
}

// TestAuthorizationHashMatchesWalletTypedData independently reconstructs
// the EIP-712 TypedData a wallet's eth_signTypedData_v4 would hash --
// declaring both "EIP712Domain" and "TransferWithAuthorization" types by
// hand and hashing via go-ethereum's own TypedDataAndHash -- and checks
// that authorizationHash agrees. This does not call authorizationHash to
// produce its own oracle, so it would have caught the type-map mismatch
// (missing "EIP712Domain" entry) that made every other test in this file
// blind to a broken signing hash.
func TestAuthorizationHashMatchesWalletTypedData(t *testing.T) {
	asset := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	payTo := common.HexToAddress("0x00000000000000000000000000000000000abc")
	payer := common.HexToAddress("0x00000000000000000000000000000000000fed")
	chainID := big.NewInt(8453)

	extra := x402.ExtraDomain{Name: "USD Coin", Version: "2"}
	mask := defaultFieldMask(extra.Domain)
	_, domain, err := domainSeparator(extra, mask, chainID, asset.Hex())
	if err != nil {
		t.Fatalf("compute domain separator: %v", err)
	}

	auth := Authorization{
		From:        payer.Hex(),
		To:          payTo.Hex(),
		Value:       "1000000",
		ValidAfter:  "0",
		ValidBefore: "9999999999",
		Nonce:       "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{7}, 32)),
	}

	got, err := authorizationHash(domain, auth)
	if err != nil {
		t.Fatalf("authorizationHash: %v", err)
	}

	walletTypes := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}

	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonceBytes, _ := hexToBytes(auth.Nonce)
	var nonce32 [32]byte
	copy(nonce32[:], nonceBytes)

	walletTD := apitypes.TypedData{
		Types:       walletTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain:      domain,
		Message: map[string]interface{}{
			"from":        payer,
			"to":          payTo,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce32,
		},
	}

	want, _, err := apitypes.TypedDataAndHash(walletTD)
	if err != nil {
		t.Fatalf("wallet TypedDataAndHash: %v", err)
	}
	if !bytes.Equal(got[:], want) {
		t.Fatalf("authorizationHash diverges from wallet-style EIP-712 hash: got %x, want %x", got, want)
	}
}

func TestVerifyAcceptsValidECDSAAuthorization(t *testing.T) {
	fx := newTestFixture(t, "1000000")

	resp, err := fx.scheme.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("expected valid, got invalid reason %q", resp.InvalidReason)
	}
	if resp.Payer == "" {
		t.Fatal("expected payer address in response")
	}
}

func TestVerifyRejectsInsufficientAuthorizationValue(t *testing.T) {
	fx := newTestFixture(t, "1")

	resp, err := fx.scheme.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid for an authorization below the required amount")
	}
	if resp.InvalidReason != x402.ReasonAuthorizationValue {
		t.Errorf("expected reason %q, got %q", x402.ReasonAuthorizationValue, resp.InvalidReason)
	}
}

func TestVerifyRejectsWrongNetwork(t *testing.T) {
	fx := newTestFixture(t, "1000000")
	fx.requirements.Network = "eip155:1"

	resp, err := fx.scheme.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if resp.IsValid || resp.InvalidReason != x402.ReasonNetworkMismatch {
		t.Errorf("expected network_mismatch, got valid=%v reason=%q", resp.IsValid, resp.InvalidReason)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	fx := newTestFixture(t, "1000000")

	var p Payload
	if err := json.Unmarshal(fx.payload.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	p.Authorization.To = common.HexToAddress("0x00000000000000000000000000000000000def").Hex()
	tampered, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal tampered payload: %v", err)
	}
	fx.payload.Payload = tampered

	resp, err := fx.scheme.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if resp.IsValid {
		t.Fatal("expected invalid for a payload whose recipient no longer matches the signed authorization")
	}
}

func TestSettleSucceedsForValidAuthorization(t *testing.T) {
	fx := newTestFixture(t, "1000000")

	resp, err := fx.scheme.Settle(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected settle success, got error reason %q", resp.ErrorReason)
	}
	if resp.Transaction == "" {
		t.Error("expected a transaction hash in the settle response")
	}
	if resp.Network != testNetwork {
		t.Errorf("expected network %q, got %q", testNetwork, resp.Network)
	}
}

func TestSettleReportsTransactionFailure(t *testing.T) {
	fx := newTestFixture(t, "1000000")
	fx.chain.receiptStatus = 0

	resp, err := fx.scheme.Settle(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected settle failure when the receipt status is 0")
	}
	if resp.ErrorReason != x402.ReasonTransactionFailed {
		t.Errorf("expected reason %q, got %q", x402.ReasonTransactionFailed, resp.ErrorReason)
	}
}

func TestSettleReturnsVerifyFailureWithoutBroadcasting(t *testing.T) {
	fx := newTestFixture(t, "1")

	resp, err := fx.scheme.Settle(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Settle returned error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected settle to fail re-verification for an under-value authorization")
	}
	if resp.ErrorReason != x402.ReasonAuthorizationValue {
		t.Errorf("expected reason %q, got %q", x402.ReasonAuthorizationValue, resp.ErrorReason)
	}
}
