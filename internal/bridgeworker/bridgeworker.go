// Package bridgeworker implements the Bridge Worker (C8): the durable
// background executor that drives a BridgeJob from pending through
// bridging to a terminal state, retrying transient failures with
// backoff and giving up immediately on permanent ones.
package bridgeworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/paybridge/facilitator/internal/audit"
	"github.com/paybridge/facilitator/internal/bridge"
	"github.com/paybridge/facilitator/internal/bridgestore"
	"github.com/paybridge/facilitator/internal/config"
	"github.com/paybridge/facilitator/internal/metrics"
	"github.com/paybridge/facilitator/internal/x402"
)

// ChainConfirmer is the subset of chainclient.Client the worker needs
// to wait for the source-chain settlement transaction to confirm
// before attempting the destination-chain mint.
type ChainConfirmer interface {
	WaitForTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrPendingOnly is returned by Cancel when the job is not in pending
// state — a bridging job cannot be cancelled mid-flight because the
// source burn may already have occurred (spec.md 4.8, Cancellation).
var ErrPendingOnly = errors.New("bridgeworker: only a pending job may be cancelled")

// Worker owns the durable bridge-job lifecycle. One Worker instance is
// constructed once in cmd/facilitatord and shared by the HTTP handler
// (enqueue on after-settle) and its own background goroutines
// (processing, stale recovery).
type Worker struct {
	store    bridgestore.Store
	provider bridge.Provider
	chains   map[string]ChainConfirmer
	audit    *audit.Logger
	logger   *slog.Logger
	cfg      config.BridgeConfig

	mu     sync.Mutex
	active map[string]struct{} // job IDs with an in-flight goroutine

	wg sync.WaitGroup
}

// New builds a Worker. chains must have an entry for every source
// network the worker will be asked to confirm settlement transactions
// on.
func New(store bridgestore.Store, provider bridge.Provider, chains map[string]ChainConfirmer, auditLogger *audit.Logger, logger *slog.Logger, cfg config.BridgeConfig) *Worker {
	return &Worker{
		store:    store,
		provider: provider,
		chains:   chains,
		audit:    auditLogger,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]struct{}),
	}
}

// EnqueueRequest describes the job to create; it mirrors the fields the
// after-settle hook has on hand once a cross-chain settlement succeeds.
type EnqueueRequest struct {
	SourceNetwork      string
	SourceTxHash       string
	DestinationNetwork string
	Amount             string
	DestinationAsset   string
	DestinationPayTo   string
}

// Enqueue implements the enqueue path (spec.md 4.8): idempotent on
// (sourceNetwork, sourceTxHash, destinationNetwork), creates the job in
// pending and spawns background processing. Callers (the after-settle
// hook) invoke this synchronously and get back immediately, whether or
// not this call created a new job.
func (w *Worker) Enqueue(ctx context.Context, req EnqueueRequest) (*bridgestore.BridgeJob, error) {
	key := bridgestore.IdempotencyKey(req.SourceNetwork, req.SourceTxHash, req.DestinationNetwork)

	if existing, err := w.store.GetByIdempotencyKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, bridgestore.ErrNotFound) {
		w.logger.Error("bridgeworker: enqueue idempotency-key lookup", "idempotencyKey", key, "error", err)
		return nil, err
	}

	now := time.Now().UTC()
	job := &bridgestore.BridgeJob{
		IdempotencyKey:     key,
		SourceNetwork:      req.SourceNetwork,
		DestinationNetwork: req.DestinationNetwork,
		SourceTxHash:       req.SourceTxHash,
		Amount:             req.Amount,
		DestinationAsset:   req.DestinationAsset,
		DestinationPayTo:   req.DestinationPayTo,
		Status:             bridgestore.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := w.store.Create(ctx, job); err != nil {
		if errors.Is(err, bridgestore.ErrConflict) {
			// Lost a race with a concurrent enqueue of the same key;
			// the winner's job is what matters, fetch it.
			return w.store.GetByIdempotencyKey(ctx, key)
		}
		w.logger.Error("bridgeworker: enqueue create", "idempotencyKey", key, "error", err)
		return nil, err
	}

	w.audit.Emit(audit.EventBridgeStart, audit.TransitionFields{
		JobID:              job.ID,
		IdempotencyKey:     job.IdempotencyKey,
		SourceTx:           job.SourceTxHash,
		SourceNetwork:      job.SourceNetwork,
		DestinationNetwork: job.DestinationNetwork,
		Amount:             job.Amount,
		Attempt:            0,
		MaxAttempts:        w.cfg.MaxAttempts,
	})

	w.spawn(job.ID)
	return job, nil
}

// spawn starts background processing for a job, refusing to start a
// second goroutine for a job that already has one in flight (spec.md
// 4.8, Concurrency).
func (w *Worker) spawn(jobID string) {
	w.mu.Lock()
	if _, inFlight := w.active[jobID]; inFlight {
		w.mu.Unlock()
		return
	}
	w.active[jobID] = struct{}{}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.active, jobID)
			w.mu.Unlock()
		}()
		w.process(context.Background(), jobID)
	}()
}

// process runs the full retry loop for one job until it reaches a
// terminal state (spec.md 4.8, Processing path / State machine).
func (w *Worker) process(ctx context.Context, jobID string) {
	job, err := w.store.GetByID(ctx, jobID)
	if err != nil {
		w.logger.Error("bridgeworker: loading job for processing", "jobId", jobID, "error", err)
		return
	}
	if job.Status.Terminal() {
		return
	}

	if job.Status == bridgestore.StatusPending {
		job.Status = bridgestore.StatusBridging
		job.UpdatedAt = time.Now().UTC()
		if err := w.store.Update(ctx, job); err != nil {
			w.logger.Error("bridgeworker: pending->bridging transition", "jobId", jobID, "error", err)
			return
		}
		metrics.RecordBridgeJobStatus(job.SourceNetwork, job.DestinationNetwork, string(job.Status))
	}

	for {
		job.Attempts++
		w.audit.Emit(audit.EventBridgeAttempt, audit.TransitionFields{
			JobID:              job.ID,
			IdempotencyKey:     job.IdempotencyKey,
			SourceTx:           job.SourceTxHash,
			SourceNetwork:      job.SourceNetwork,
			DestinationNetwork: job.DestinationNetwork,
			Amount:             job.Amount,
			Attempt:            job.Attempts,
			MaxAttempts:        w.cfg.MaxAttempts,
		})

		result, attemptErr := w.attempt(ctx, job)
		if attemptErr == nil {
			job.Status = bridgestore.StatusCompleted
			job.BridgeTxHash = result.BridgeTxHash
			job.DestinationTxHash = result.DestinationTxHash
			job.MessageID = result.MessageID
			job.UpdatedAt = time.Now().UTC()
			if err := w.store.Update(ctx, job); err != nil {
				w.logger.Error("bridgeworker: bridging->completed transition", "jobId", jobID, "error", err)
				return
			}
			metrics.RecordBridgeJobStatus(job.SourceNetwork, job.DestinationNetwork, string(job.Status))
			metrics.RecordBridgeJobTerminal(string(job.Status), job.Attempts, time.Since(job.CreatedAt))
			w.audit.Emit(audit.EventBridgeSuccess, audit.TransitionFields{
				JobID:              job.ID,
				IdempotencyKey:     job.IdempotencyKey,
				SourceTx:           job.SourceTxHash,
				SourceNetwork:      job.SourceNetwork,
				DestinationNetwork: job.DestinationNetwork,
				Amount:             job.Amount,
				Attempt:            job.Attempts,
				MaxAttempts:        w.cfg.MaxAttempts,
			})
			return
		}

		recoverability := classify(attemptErr)
		job.LastError = attemptErr.Error()

		if recoverability == x402.RecoverabilityPermanent || job.Attempts >= w.cfg.MaxAttempts {
			job.Status = bridgestore.StatusFailed
			job.UpdatedAt = time.Now().UTC()
			if err := w.store.Update(ctx, job); err != nil {
				w.logger.Error("bridgeworker: bridging->failed transition", "jobId", jobID, "error", err)
			}
			metrics.RecordBridgeJobStatus(job.SourceNetwork, job.DestinationNetwork, string(job.Status))
			metrics.RecordBridgeJobTerminal(string(job.Status), job.Attempts, time.Since(job.CreatedAt))
			w.audit.Emit(audit.EventBridgeFailure, audit.TransitionFields{
				JobID:              job.ID,
				IdempotencyKey:     job.IdempotencyKey,
				SourceTx:           job.SourceTxHash,
				SourceNetwork:      job.SourceNetwork,
				DestinationNetwork: job.DestinationNetwork,
				Amount:             job.Amount,
				Attempt:            job.Attempts,
				MaxAttempts:        w.cfg.MaxAttempts,
				Err:                attemptErr.Error(),
				Recoverability:     recoverability,
			})
			return
		}

		// Transient: persist the attempt count and last error, then
		// back off before retrying.
		job.UpdatedAt = time.Now().UTC()
		if err := w.store.Update(ctx, job); err != nil {
			w.logger.Error("bridgeworker: persisting retry attempt", "jobId", jobID, "error", err)
			return
		}

		delay := backoff(job.Attempts, w.cfg.BaseBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// attempt runs one confirm-then-bridge cycle: wait for the source
// transaction to confirm, then call the bridge provider.
func (w *Worker) attempt(ctx context.Context, job *bridgestore.BridgeJob) (bridge.Result, error) {
	chain, ok := w.chains[job.SourceNetwork]
	if !ok {
		return bridge.Result{}, fmt.Errorf("bridgeworker: no chain client for source network %s", job.SourceNetwork)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, w.cfg.ConfirmDeadline)
	defer cancel()
	if _, err := chain.WaitForTransactionReceipt(confirmCtx, common.HexToHash(job.SourceTxHash)); err != nil {
		return bridge.Result{}, fmt.Errorf("waiting for source confirmation: %w", err)
	}

	return w.provider.Bridge(ctx, job.SourceNetwork, job.SourceTxHash, job.DestinationNetwork, job.DestinationAsset, job.Amount, job.DestinationPayTo)
}

// Cancel implements the admin cancellation operation (spec.md 4.8,
// Cancellation): only a pending job may be cancelled.
func (w *Worker) Cancel(ctx context.Context, jobID string) error {
	job, err := w.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != bridgestore.StatusPending {
		return ErrPendingOnly
	}
	job.Status = bridgestore.StatusCancelled
	job.UpdatedAt = time.Now().UTC()
	return w.store.Update(ctx, job)
}

// RecoverStale re-dispatches non-terminal jobs whose last update
// predates the staleness threshold, for use at boot and on a periodic
// ticker (spec.md 4.8, Concurrency: "a recovery scan picks up
// pending/bridging jobs older than a staleness threshold").
func (w *Worker) RecoverStale(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.cfg.StaleAfter)
	stale, err := w.store.ListStale(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range stale {
		w.logger.Info("bridgeworker: recovering stale job", "jobId", stale[i].ID, "status", stale[i].Status)
		w.spawn(stale[i].ID)
	}
	return nil
}

// Run starts the periodic stale-recovery scan; it blocks until ctx is
// cancelled, then waits, with no time bound, for every in-flight job
// goroutine to finish.
func (w *Worker) Run(ctx context.Context) {
	if err := w.RecoverStale(ctx); err != nil {
		w.logger.Error("bridgeworker: initial stale recovery", "error", err)
	}

	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			if err := w.RecoverStale(ctx); err != nil {
				w.logger.Error("bridgeworker: periodic stale recovery", "error", err)
			}
		}
	}
}

var permanentPatterns = []string{
	"insufficient balance",
	"recoverability=fatal",
}

// classify decides whether an attempt error is permanent (never
// retried) or transient (retried with backoff up to maxAttempts).
// Anything not matched against the known-permanent patterns is treated
// as transient, matching spec.md 4.8's own inclusion of "unclassified"
// in its transient bucket.
func classify(err error) string {
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return x402.RecoverabilityPermanent
		}
	}
	return x402.RecoverabilityTransient
}

// backoff computes the linear baseline (attempt x base) plus up to 50%
// jitter (spec.md 4.8: "linear baseline: attempt x 1000ms;
// implementations should add jitter").
func backoff(attempt int, base time.Duration) time.Duration {
	linear := time.Duration(attempt) * base
	jitter := time.Duration(rand.Int63n(int64(linear)/2 + 1))
	return linear + jitter
}
