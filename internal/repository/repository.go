package repository

import (
	"context"
	"errors"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

// Sentinel errors surfaced by the storage layer. Callers branch on these to
// distinguish constraint outcomes from genuine storage failures.
var (
	ErrDuplicateMessage = errors.New("mesh message already exists")
	ErrDuplicateAlert   = errors.New("alert with idempotency key already exists")
	ErrRotationConflict = errors.New("active key changed during rotation")
	ErrGatewayNotFound  = errors.New("gateway not registered")
	ErrAlertNotFound    = errors.New("alert not found")
)

type AlertFilter struct {
	Since    *time.Time
	Until    *time.Time
	Severity *models.AlertSeverity
	Limit    int
	Offset   int
}

type MessageFilter struct {
	Since    *time.Time
	Until    *time.Time
	SenderID *string
	Limit    int
	Offset   int
}

type AlertRepository interface {
	// CreateAlertWithLog persists an alert and its delivery log in one
	// transaction; neither row exists without the other.
	CreateAlertWithLog(ctx context.Context, alert *models.Alert, log *models.AlertLog) error
	GetAlertByID(ctx context.Context, institutionID, alertID string) (*models.Alert, error)
	GetAlertByIdempotencyKey(ctx context.Context, institutionID, key string) (*models.Alert, error)
	GetAlertLogByAlertID(ctx context.Context, institutionID, alertID string) (*models.AlertLog, error)
	UpdateDeliveryStatus(ctx context.Context, institutionID, alertID string, status models.DeliveryStatus) error
	ListAlerts(ctx context.Context, institutionID string, f AlertFilter) ([]models.Alert, error)
}

type KeyRepository interface {
	// ActiveKey returns the institution's key with a null expiry, or nil when
	// the institution has no keys yet.
	ActiveKey(ctx context.Context, institutionID string) (*models.MeshKey, error)
	KeyByVersion(ctx context.Context, institutionID string, version int) (*models.MeshKey, error)
	InsertKey(ctx context.Context, key *models.MeshKey) error
	// Rotate expires the active key identified by fromVersion and inserts the
	// replacement in one transaction. Returns ErrRotationConflict when the
	// active key is no longer at fromVersion.
	Rotate(ctx context.Context, institutionID string, fromVersion int, expiresAt time.Time, next *models.MeshKey) error
}

type MessageRepository interface {
	MessageExists(ctx context.Context, institutionID, messageID string) (bool, error)
	// AddMessage returns ErrDuplicateMessage when (institution_id, id) is
	// already in the canonical log.
	AddMessage(ctx context.Context, msg *models.MeshMessage) error
	ListMessages(ctx context.Context, institutionID string, f MessageFilter) ([]models.MeshMessage, error)
}

type GatewayRepository interface {
	// UpsertGateway registers a gateway or refreshes its metadata; cumulative
	// stats and registered_at survive re-registration.
	UpsertGateway(ctx context.Context, gw *models.MeshGateway) error
	// ApplyGatewayStats merges a stats delta: counters add, last_seen_at
	// overwrites. Returns ErrGatewayNotFound for unregistered gateways.
	ApplyGatewayStats(ctx context.Context, institutionID, gatewayID string, delta models.GatewayStats) error
	ListGateways(ctx context.Context, institutionID string) ([]models.MeshGateway, error)
	// GetGateway returns nil (not an error) when the gateway is absent.
	GetGateway(ctx context.Context, institutionID, gatewayID string) (*models.MeshGateway, error)
}
