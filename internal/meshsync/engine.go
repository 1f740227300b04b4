// Package meshsync reconciles offline-queued device messages into the
// canonical log. Each message is judged independently: deduplicated against
// the log, verified against current or grace-period keys, then persisted and
// replayed to live connections. Per-message failures are results, not errors.
package meshsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
	"github.com/campusmesh/go-campus-alerts/internal/keyvault"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

const EventMeshMessage = "mesh.message"

type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

const (
	ReasonInvalidOrExpiredKey = "invalid_or_expired_key"
	ReasonMalformedMessage    = "malformed_message"
	ReasonStorageFailure      = "storage_failure"
)

// IncomingMessage is one device-queued message as submitted in a sync batch.
// The ID is client-generated and globally unique within the institution.
type IncomingMessage struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	KeyVersion int             `json:"keyVersion"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type MessageResult struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type Report struct {
	Results   []MessageResult `json:"results"`
	Accepted  int             `json:"accepted"`
	Duplicate int             `json:"duplicate"`
	Rejected  int             `json:"rejected"`
}

type Engine struct {
	messages   repository.MessageRepository
	vault      *keyvault.Vault
	hub        *broadcast.Hub
	batchLimit int
}

func NewEngine(messages repository.MessageRepository, vault *keyvault.Vault, hub *broadcast.Hub, batchLimit int) *Engine {
	if batchLimit <= 0 {
		batchLimit = 1000
	}
	return &Engine{
		messages:   messages,
		vault:      vault,
		hub:        hub,
		batchLimit: batchLimit,
	}
}

// Sync ingests a batch of offline-queued messages in the order supplied. Only
// batch-shape problems fail the call; everything per-message lands in the
// result list. Messages accepted before a cancellation stay accepted; callers
// treat sync as resumable, which dedup makes safe.
func (e *Engine) Sync(ctx context.Context, institutionID, senderID string, batch []IncomingMessage) (*Report, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	if senderID == "" {
		return nil, apperr.Validation("sender id is required")
	}
	if batch == nil {
		return nil, apperr.Validation("messages must be a list")
	}
	if len(batch) > e.batchLimit {
		return nil, apperr.Validation("batch of %d messages exceeds the %d message limit", len(batch), e.batchLimit)
	}

	report := &Report{Results: make([]MessageResult, 0, len(batch))}
	for _, msg := range batch {
		result := e.ingest(ctx, institutionID, senderID, msg)
		report.Results = append(report.Results, result)
		switch result.Status {
		case StatusAccepted:
			report.Accepted++
		case StatusDuplicate:
			report.Duplicate++
		case StatusRejected:
			report.Rejected++
		}
	}

	slog.Info("mesh sync complete",
		"institution_id", institutionID,
		"sender_id", senderID,
		"batch_size", len(batch),
		"accepted", report.Accepted,
		"duplicate", report.Duplicate,
		"rejected", report.Rejected,
	)

	return report, nil
}

func (e *Engine) ingest(ctx context.Context, institutionID, senderID string, msg IncomingMessage) MessageResult {
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		return MessageResult{ID: msg.ID, Status: StatusRejected, Reason: ReasonMalformedMessage}
	}

	exists, err := e.messages.MessageExists(ctx, institutionID, msg.ID)
	if err != nil {
		return MessageResult{ID: msg.ID, Status: StatusRejected, Reason: ReasonStorageFailure}
	}
	if exists {
		return MessageResult{ID: msg.ID, Status: StatusDuplicate}
	}

	// Validity is judged at the message's creation time, so a device that
	// queued messages mid-rotation still lands inside the grace window.
	valid, err := e.vault.IsValidForVerification(ctx, institutionID, msg.KeyVersion, msg.CreatedAt)
	if err != nil {
		return MessageResult{ID: msg.ID, Status: StatusRejected, Reason: ReasonStorageFailure}
	}
	if !valid {
		return MessageResult{ID: msg.ID, Status: StatusRejected, Reason: ReasonInvalidOrExpiredKey}
	}

	record := &models.MeshMessage{
		ID:            msg.ID,
		InstitutionID: institutionID,
		SenderID:      senderID,
		Payload:       msg.Payload,
		KeyVersion:    msg.KeyVersion,
		CreatedAt:     msg.CreatedAt,
		ReceivedAt:    time.Now().UTC(),
	}
	if err := e.messages.AddMessage(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateMessage) {
			// Raced a concurrent sync of the same message; the primary key is
			// the correctness backstop for check-then-insert.
			return MessageResult{ID: msg.ID, Status: StatusDuplicate}
		}
		slog.Error("failed to persist mesh message",
			"institution_id", institutionID,
			"message_id", msg.ID,
			"error", fmt.Errorf("add message: %w", err),
		)
		return MessageResult{ID: msg.ID, Status: StatusRejected, Reason: ReasonStorageFailure}
	}

	// Replay to currently connected clients: a late-syncing device may be the
	// first to surface this event if the original online publish never ran.
	e.hub.Publish(broadcast.Scope{InstitutionID: institutionID}, broadcast.Event{
		Name: EventMeshMessage,
		Data: record,
	})

	return MessageResult{ID: msg.ID, Status: StatusAccepted}
}
