// Package nonce implements the shared nonce manager (C2): one
// transaction-nonce counter per (chain, signer address), serialized so
// that concurrent settlement and bridge-burn calls sharing a signer
// never collide on-chain.
package nonce

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ChainReader is the subset of chainclient.Client the manager needs to
// reconcile its cache against the network.
type ChainReader interface {
	GetTransactionCount(ctx context.Context, addr common.Address, pending bool) (uint64, error)
}

type key struct {
	network string
	address common.Address
}

// Manager hands out the next nonce for a (network, address) pair. A
// single Manager instance must be shared between every caller that can
// sign with a given address on a given chain (spec.md 3, Ownership) —
// the exact-evm settlement path and the bridge-burn path in particular,
// whenever their configured signers coincide.
type Manager struct {
	mu      sync.Mutex
	cache   map[key]uint64
	clients map[string]ChainReader
}

// New builds a Manager over the given per-network chain clients, keyed
// by CAIP-2 network id.
func New(clients map[string]ChainReader) *Manager {
	return &Manager{
		cache:   make(map[key]uint64),
		clients: clients,
	}
}

// Next returns the next nonce to use for a transaction from addr on
// network. It queries the chain for the pending nonce on every call and
// compares it with its own cache, taking the larger of "one past what
// we last handed out" and
// "what the chain currently reports as pending" so that transactions
// submitted outside this process (or lost from the cache on restart)
// are not double-spent.
func (m *Manager) Next(ctx context.Context, network string, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.clients[network]
	if !ok {
		return 0, fmt.Errorf("nonce: no chain client configured for network %s", network)
	}

	k := key{network: network, address: addr}

	pending, err := client.GetTransactionCount(ctx, addr, true)
	if err != nil {
		return 0, fmt.Errorf("nonce: query pending nonce for %s on %s: %w", addr.Hex(), network, err)
	}

	next := pending
	if cached, seen := m.cache[k]; seen && cached+1 > next {
		next = cached + 1
	}

	m.cache[k] = next
	return next, nil
}

// ReportTooLow forces the next call to Next to re-derive its cache
// entry purely from the chain's own pending count, dropping whatever
// this manager had cached. Callers invoke this after a chain client
// call fails with "nonce too low", meaning some other actor advanced
// the account's nonce past what this manager believed.
func (m *Manager) ReportTooLow(network string, addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key{network: network, address: addr})
}

// ReportUnderpriced raises the cached nonce to usedNonce if it is lower,
// marking that slot as handed out — callers invoke this after
// "replacement transaction underpriced" and then retransmit at
// usedNonce themselves with a higher gas price. The cache is not
// advanced past usedNonce, so the next call to Next returns
// usedNonce+1 (or the chain's pending count, if higher).
func (m *Manager) ReportUnderpriced(network string, addr common.Address, usedNonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{network: network, address: addr}
	if cached, seen := m.cache[k]; !seen || cached < usedNonce {
		m.cache[k] = usedNonce
	}
}

// IsNonceTooLow reports whether an RPC error's message matches the
// well-known "nonce too low" family of node responses.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce is too low")
}

// IsReplacementUnderpriced reports whether an RPC error's message
// matches the well-known "replacement transaction underpriced" family.
func IsReplacementUnderpriced(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "replacement transaction underpriced")
}
