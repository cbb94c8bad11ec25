package facilitator

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/paybridge/facilitator/internal/audit"
	"github.com/paybridge/facilitator/internal/bridgestore"
	"github.com/paybridge/facilitator/internal/config"
)

// fakeBridgeStore is a minimal in-memory bridgestore.Store for exercising
// the cross-chain router's after-settle enqueue path in isolation from a
// real database.
type fakeBridgeStore struct {
	mu    sync.Mutex
	byID  map[string]*bridgestore.BridgeJob
	byKey map[string]string
}

func newFakeBridgeStore() *fakeBridgeStore {
	return &fakeBridgeStore{
		byID:  make(map[string]*bridgestore.BridgeJob),
		byKey: make(map[string]string),
	}
}

func (s *fakeBridgeStore) Create(ctx context.Context, job *bridgestore.BridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[job.IdempotencyKey]; exists {
		return bridgestore.ErrConflict
	}
	job.ID = uuid.NewString()
	cp := *job
	s.byID[job.ID] = &cp
	s.byKey[job.IdempotencyKey] = job.ID
	return nil
}

func (s *fakeBridgeStore) GetByID(ctx context.Context, id string) (*bridgestore.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.byID[id]
	if !ok {
		return nil, bridgestore.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeBridgeStore) GetByIdempotencyKey(ctx context.Context, key string) (*bridgestore.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, bridgestore.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *fakeBridgeStore) Update(ctx context.Context, job *bridgestore.BridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[job.ID]
	if !ok {
		return bridgestore.ErrNotFound
	}
	if existing.Status.Terminal() {
		return bridgestore.ErrTerminalState
	}
	cp := *job
	s.byID[job.ID] = &cp
	return nil
}

func (s *fakeBridgeStore) List(ctx context.Context, status bridgestore.Status, limit int) ([]bridgestore.BridgeJob, error) {
	return nil, nil
}

func (s *fakeBridgeStore) ListStale(ctx context.Context, cutoff time.Time) ([]bridgestore.BridgeJob, error) {
	return nil, nil
}

func (s *fakeBridgeStore) Close() error                      { return nil }
func (s *fakeBridgeStore) Migrate(ctx context.Context) error { return nil }

type noopConfirmer struct{}

func (noopConfirmer) WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: 1}, nil
}

func testAuditLogger() *audit.Logger {
	return audit.New(discardLogger())
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		MaxAttempts:      3,
		BaseBackoff:      time.Millisecond,
		ConfirmDeadline:  time.Second,
		StaleAfter:       10 * time.Minute,
		RecoveryInterval: time.Minute,
	}
}
