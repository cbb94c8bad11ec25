// Package audit implements the Audit & Event Outbox (C10): structured
// log emission for every bridge lifecycle transition, plus a
// forward-compatible event envelope for downstream consumers.
package audit

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event names bridge lifecycle transitions emit (spec.md 4.10).
const (
	EventBridgeStart   = "bridge_start"
	EventBridgeAttempt = "bridge_attempt"
	EventBridgeSuccess = "bridge_success"
	EventBridgeFailure = "bridge_failure"
)

// EventEnvelope is the forward-compatible wrapper recommended by
// spec.md 4.10: consumers must treat unknown fields as forward
// compatible, so Payload is left as an open map rather than a fixed
// struct.
type EventEnvelope struct {
	EventID        string                 `json:"eventId"`
	EventType      string                 `json:"eventType"`
	EventVersion   int                    `json:"eventVersion"`
	OccurredAt     time.Time              `json:"occurredAt"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Payload        map[string]interface{} `json:"payload"`
}

const eventVersion = 1

// Logger emits structured bridge lifecycle records via slog and
// produces the matching event envelope. One Logger is shared by the
// enqueue path and the worker's processing loop.
type Logger struct {
	slog *slog.Logger
}

// New wraps a slog.Logger for bridge audit emission.
func New(base *slog.Logger) *Logger {
	return &Logger{slog: base}
}

// TransitionFields is the fixed set of attributes every lifecycle
// record carries (spec.md 4.10's "at minimum" list).
type TransitionFields struct {
	JobID              string
	IdempotencyKey     string
	SourceTx           string
	SourceNetwork      string
	DestinationNetwork string
	Amount             string
	Attempt            int
	MaxAttempts        int

	// Failure-only fields, zero-valued on success.
	Err            string
	ErrorCode      string
	Recoverability string
}

// Emit logs one lifecycle transition and returns the matching event
// envelope for callers that also forward events to an outbox table or
// message bus.
func (l *Logger) Emit(event string, f TransitionFields) EventEnvelope {
	now := time.Now().UTC()

	attrs := []any{
		"event", event,
		"timestamp", now.Format(time.RFC3339Nano),
		"jobId", f.JobID,
		"idempotencyKey", f.IdempotencyKey,
		"sourceTx", f.SourceTx,
		"sourceNetwork", f.SourceNetwork,
		"destinationNetwork", f.DestinationNetwork,
		"amount", f.Amount,
		"attempt", f.Attempt,
		"maxAttempts", f.MaxAttempts,
	}
	if f.Err != "" {
		attrs = append(attrs, "error", f.Err)
	}
	if f.ErrorCode != "" {
		attrs = append(attrs, "errorCode", f.ErrorCode)
	}
	if f.Recoverability != "" {
		attrs = append(attrs, "recoverability", f.Recoverability)
	}

	if event == EventBridgeFailure {
		l.slog.Error("bridge lifecycle transition", attrs...)
	} else {
		l.slog.Info("bridge lifecycle transition", attrs...)
	}

	payload := map[string]interface{}{
		"jobId":              f.JobID,
		"sourceTx":           f.SourceTx,
		"sourceNetwork":      f.SourceNetwork,
		"destinationNetwork": f.DestinationNetwork,
		"amount":             f.Amount,
		"attempt":            f.Attempt,
		"maxAttempts":        f.MaxAttempts,
	}
	if f.Err != "" {
		payload["error"] = f.Err
	}
	if f.ErrorCode != "" {
		payload["errorCode"] = f.ErrorCode
	}
	if f.Recoverability != "" {
		payload["recoverability"] = f.Recoverability
	}

	return EventEnvelope{
		EventID:        uuid.NewString(),
		EventType:      event,
		EventVersion:   eventVersion,
		OccurredAt:     now,
		IdempotencyKey: f.IdempotencyKey,
		Payload:        payload,
	}
}
