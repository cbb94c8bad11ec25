package bridge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/paybridge/facilitator/internal/nonce"
)

// ChainOps is the subset of chainclient.Client the reference bridge
// provider needs: reading the float balance and moving it.
type ChainOps interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Transfer(ctx context.Context, signer *ecdsa.PrivateKey, token, to common.Address, amount *big.Int, txNonce uint64) (common.Hash, error)
}

// SimpleProvider is a reference Provider for a single-operator
// deployment: it holds a float of USDC on every supported destination
// chain and "mints" by transferring out of that float, rather than
// interoperating with an external message-passing bridge protocol. It
// satisfies the same capability interface a production bridge
// integration would.
type SimpleProvider struct {
	chains        map[string]ChainOps
	usdcAllowlist map[string]string // network -> lowercase asset address
	signer        *ecdsa.PrivateKey
	signerAddr    common.Address
	nonces        *nonce.Manager
}

// NewSimpleProvider builds a float-based reference bridge provider.
func NewSimpleProvider(chains map[string]ChainOps, usdcAllowlist map[string]string, signer *ecdsa.PrivateKey, nonces *nonce.Manager) *SimpleProvider {
	normalized := make(map[string]string, len(usdcAllowlist))
	for network, addr := range usdcAllowlist {
		normalized[network] = strings.ToLower(addr)
	}
	return &SimpleProvider{
		chains:        chains,
		usdcAllowlist: normalized,
		signer:        signer,
		signerAddr:    crypto.PubkeyToAddress(signer.PublicKey),
		nonces:        nonces,
	}
}

func (p *SimpleProvider) SupportsChain(network string) bool {
	_, ok := p.chains[network]
	return ok
}

// IsUSDC checks address against the strict per-chain allowlist (Open
// Question decision: strict allowlist, not a permissive symbol sniff).
func (p *SimpleProvider) IsUSDC(network, address string) bool {
	allowed, ok := p.usdcAllowlist[network]
	if !ok || allowed == "" {
		return false
	}
	return strings.EqualFold(allowed, address)
}

// CheckLiquidity reports whether the float account holds enough of the
// destination asset to cover the mint.
func (p *SimpleProvider) CheckLiquidity(ctx context.Context, source, dest, asset, amount string) (bool, error) {
	chain, ok := p.chains[dest]
	if !ok {
		return false, fmt.Errorf("bridge: no chain client for destination network %s", dest)
	}
	required, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return false, fmt.Errorf("bridge: amount %q is not a valid integer", amount)
	}
	balance, err := chain.BalanceOf(ctx, common.HexToAddress(asset), p.signerAddr)
	if err != nil {
		return false, fmt.Errorf("bridge: checking float balance on %s: %w", dest, err)
	}
	return balance.Cmp(required) >= 0, nil
}

// GetExchangeRate returns 1.0 for a USDC-to-USDC burn-and-mint; any
// other asset pair is out of scope (spec.md's Non-goals exclude
// non-USDC assets).
func (p *SimpleProvider) GetExchangeRate(ctx context.Context, source, dest, sourceAsset, destAsset string) (float64, error) {
	if p.IsUSDC(source, sourceAsset) && p.IsUSDC(dest, destAsset) {
		return 1.0, nil
	}
	return 0, fmt.Errorf("bridge: no exchange rate for non-USDC asset pair")
}

// Bridge performs the mint leg: a plain transfer from the operator's
// float account to the recipient on the destination chain. The source
// burn is implicit — the source-chain funds were already collected by
// the exact-evm settlement that triggered this bridge job — this call
// only ever moves funds on the destination chain.
func (p *SimpleProvider) Bridge(ctx context.Context, source, sourceTxHash, dest, destAsset, amount, recipient string) (Result, error) {
	chain, ok := p.chains[dest]
	if !ok {
		return Result{}, fmt.Errorf("bridge: no chain client for destination network %s", dest)
	}
	value, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return Result{}, fmt.Errorf("bridge: amount %q is not a valid integer", amount)
	}

	txNonce, err := p.nonces.Next(ctx, dest, p.signerAddr)
	if err != nil {
		return Result{}, err
	}

	txHash, err := chain.Transfer(ctx, p.signer, common.HexToAddress(destAsset), common.HexToAddress(recipient), value, txNonce)
	if err != nil {
		return Result{}, err
	}

	return Result{
		BridgeTxHash: txHash.Hex(),
		SourceChain:  source,
		DestChain:    dest,
		// DestinationTxHash and MessageID are left empty: this call
		// does not wait for the mint transaction to confirm, and the
		// bridge worker stores them empty as returned.
	}, nil
}
