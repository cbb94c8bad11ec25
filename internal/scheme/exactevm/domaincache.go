package exactevm

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/paybridge/facilitator/internal/x402"
)

// DomainReader is the subset of chainclient.Client the domain cache
// needs to probe a token's on-chain separator.
type DomainReader interface {
	DomainSeparator(ctx context.Context, token common.Address) ([32]byte, error)
}

type domainCacheKey struct {
	network string
	asset   string
	extra   string // extra.Name + extra.Version, domains differ per merchant declaration
}

type domainCacheEntry struct {
	domain apitypes.TypedDataDomain
	mask   int
}

// DomainCache holds the winning EIP-712 domain field mask per
// (network, asset, name+version), probed on the first verify/settle call
// for that key and reused for every subsequent one — spec.md 9's
// redesign direction to replace per-verify domain probing with a cache.
// Nothing is probed at startup.
type DomainCache struct {
	mu      sync.RWMutex
	entries map[domainCacheKey]domainCacheEntry
	readers map[string]DomainReader // network -> chain client
}

// NewDomainCache builds an empty cache over the given per-network chain
// readers.
func NewDomainCache(readers map[string]DomainReader) *DomainCache {
	return &DomainCache{
		entries: make(map[domainCacheKey]domainCacheEntry),
		readers: readers,
	}
}

// Resolve returns the cached domain/mask for (network, asset, extra),
// probing the chain on a cache miss and remembering the result for
// every later call with the same key.
func (c *DomainCache) Resolve(ctx context.Context, network, asset string, extra x402.ExtraDomain, chainID *big.Int) (apitypes.TypedDataDomain, int, error) {
	key := domainCacheKey{network: network, asset: asset, extra: extra.Name + "/" + extra.Version}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return entry.domain, entry.mask, nil
	}

	reader, ok := c.readers[network]
	if !ok {
		return apitypes.TypedDataDomain{}, 0, fmt.Errorf("exactevm: no chain reader configured for network %s", network)
	}

	onChain, err := reader.DomainSeparator(ctx, common.HexToAddress(asset))
	if err != nil {
		return apitypes.TypedDataDomain{}, 0, fmt.Errorf("exactevm: fetch on-chain domain separator for %s on %s: %w", asset, network, err)
	}

	domain, mask, err := ResolveDomain(extra, chainID, asset, onChain)
	if err != nil {
		return apitypes.TypedDataDomain{}, 0, err
	}

	c.mu.Lock()
	c.entries[key] = domainCacheEntry{domain: domain, mask: mask}
	c.mu.Unlock()

	return domain, mask, nil
}

// Invalidate drops a cached entry, forcing the next Resolve to re-probe
// the chain. Used when a token contract is redeployed or a merchant
// changes its declared domain hint.
func (c *DomainCache) Invalidate(network, asset, name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, domainCacheKey{network: network, asset: asset, extra: name + "/" + version})
}
