// Package alert turns a trigger into a persisted, broadcastable event. The
// pipeline persists the alert and its delivery log as one unit, then hands the
// event to the broadcaster; alert durability never depends on fan-out.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

const EventAlertTriggered = "alert.triggered"

type Pipeline struct {
	alerts repository.AlertRepository
	hub    *broadcast.Hub
}

func NewPipeline(alerts repository.AlertRepository, hub *broadcast.Hub) *Pipeline {
	return &Pipeline{
		alerts: alerts,
		hub:    hub,
	}
}

// TriggerInput is the normalized trigger payload; the pipeline is agnostic to
// how the caller authenticated.
type TriggerInput struct {
	Source          models.AlertSource `json:"source"`
	Type            string             `json:"type"`
	Severity        string             `json:"severity"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	LocationDetails string             `json:"locationDetails"`
	Room            string             `json:"room"`
	TriggeredBy     string             `json:"triggeredBy"`
	IdempotencyKey  string             `json:"idempotencyKey"`
}

type TriggerResult struct {
	Alert         *models.Alert    `json:"alert"`
	AlertLog      *models.AlertLog `json:"alertLog"`
	AffectedUsers int              `json:"affectedUsersCount"`
	Replayed      bool             `json:"replayed,omitempty"`
}

// Trigger validates the input, persists Alert + AlertLog transactionally,
// computes the affected-recipient count, and fans the event out. A trigger
// carrying an idempotency key that was already used returns the original
// alert without re-broadcasting; triggers without a key are at-least-once by
// design (a second real button press is a second real alert).
func (p *Pipeline) Trigger(ctx context.Context, institutionID string, in TriggerInput) (*TriggerResult, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	if in.Type == "" {
		return nil, apperr.Validation("alert type is required")
	}
	if !in.Source.Valid() {
		return nil, apperr.Validation("unknown alert source: %q", in.Source)
	}

	severity, err := resolveSeverity(in.Source, in.Severity)
	if err != nil {
		return nil, err
	}

	if in.IdempotencyKey != "" {
		existing, err := p.alerts.GetAlertByIdempotencyKey(ctx, institutionID, in.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existing != nil {
			return p.replayResult(ctx, institutionID, existing)
		}
	}

	scope := broadcast.Scope{InstitutionID: institutionID, Room: in.Room}
	affected := p.hub.CountRecipients(scope)
	now := time.Now().UTC()

	a := &models.Alert{
		ID:              uuid.NewString(),
		InstitutionID:   institutionID,
		Type:            in.Type,
		Severity:        severity,
		Title:           in.Title,
		Description:     in.Description,
		LocationDetails: in.LocationDetails,
		Source:          in.Source,
		CreatedBy:       in.TriggeredBy,
		IdempotencyKey:  in.IdempotencyKey,
		CreatedAt:       now,
	}
	log := &models.AlertLog{
		ID:             uuid.NewString(),
		AlertID:        a.ID,
		InstitutionID:  institutionID,
		AffectedUsers:  affected,
		DeliveryStatus: models.DeliveryStatusPending,
		CreatedAt:      now,
	}

	if err := p.alerts.CreateAlertWithLog(ctx, a, log); err != nil {
		if errors.Is(err, repository.ErrDuplicateAlert) {
			// Raced another request carrying the same idempotency key.
			existing, lookupErr := p.alerts.GetAlertByIdempotencyKey(ctx, institutionID, in.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return p.replayResult(ctx, institutionID, existing)
			}
			return nil, apperr.Conflict("alert with idempotency key %q already exists", in.IdempotencyKey)
		}
		return nil, apperr.Transient("failed to persist alert", err)
	}

	// Fan-out runs only after the persistence step committed. Delivery is
	// best-effort; failures here degrade the log but never fail the trigger.
	delivered := p.hub.Publish(scope, broadcast.Event{Name: EventAlertTriggered, Data: a})

	status := models.DeliveryStatusDelivered
	if delivered < affected {
		status = models.DeliveryStatusDegraded
	}
	log.DeliveryStatus = status
	if err := p.alerts.UpdateDeliveryStatus(ctx, institutionID, a.ID, status); err != nil {
		slog.Warn("failed to record delivery status",
			"institution_id", institutionID,
			"alert_id", a.ID,
			"error", err,
		)
	}

	slog.Info("alert triggered",
		"institution_id", institutionID,
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"source", a.Source,
		"affected_users", affected,
		"delivered", delivered,
	)

	return &TriggerResult{Alert: a, AlertLog: log, AffectedUsers: affected}, nil
}

// replayResult returns the previously created alert for a repeated
// idempotency key. No second broadcast: the original fan-out already ran.
func (p *Pipeline) replayResult(ctx context.Context, institutionID string, a *models.Alert) (*TriggerResult, error) {
	log, err := p.alerts.GetAlertLogByAlertID(ctx, institutionID, a.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert log: %w", err)
	}
	result := &TriggerResult{Alert: a, AlertLog: log, Replayed: true}
	if log != nil {
		result.AffectedUsers = log.AffectedUsers
	}
	return result, nil
}

// resolveSeverity applies source-specific defaulting: a teacher pressing the
// panic path gets high severity unless stated otherwise.
func resolveSeverity(source models.AlertSource, raw string) (models.AlertSeverity, error) {
	if raw == "" {
		if source == models.AlertSourceTeacher {
			return models.AlertSeverityHigh, nil
		}
		return models.AlertSeverityMedium, nil
	}
	sev := models.AlertSeverity(raw)
	if !sev.Valid() {
		return "", apperr.Validation("unknown severity: %q", raw)
	}
	return sev, nil
}
