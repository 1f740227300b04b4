// Package keyvault owns the per-institution symmetric key lifecycle: one
// active key at a time, explicit rotation, and a grace window during which
// superseded keys still verify offline-queued messages.
package keyvault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

const keyMaterialBytes = 32

// RoleAdmin is the only role allowed to rotate keys.
const RoleAdmin = "admin"

type Vault struct {
	keys        repository.KeyRepository
	gracePeriod time.Duration
}

func NewVault(keys repository.KeyRepository, gracePeriod time.Duration) *Vault {
	return &Vault{
		keys:        keys,
		gracePeriod: gracePeriod,
	}
}

// RotationResult carries the new active key plus the superseded key's
// computed expiry for client display.
type RotationResult struct {
	Key             *models.MeshKey `json:"key"`
	PreviousExpires time.Time       `json:"previousExpiresAt"`
}

// GetActiveKey returns the institution's active key, lazily creating version 1
// when the institution has none. Two concurrent first readers race on the
// active-key unique index; the loser re-reads the winner's key.
func (v *Vault) GetActiveKey(ctx context.Context, institutionID string) (*models.MeshKey, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}

	key, err := v.keys.ActiveKey(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active key: %w", err)
	}
	if key != nil {
		return key, nil
	}

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	first := &models.MeshKey{
		InstitutionID: institutionID,
		Version:       1,
		KeyMaterial:   material,
		CreatedAt:     time.Now().UTC(),
	}

	err = v.keys.InsertKey(ctx, first)
	if err == nil {
		slog.Info("created initial mesh key", "institution_id", institutionID)
		return first, nil
	}
	if !errors.Is(err, repository.ErrRotationConflict) {
		return nil, fmt.Errorf("failed to create initial key: %w", err)
	}

	// Lost the creation race; the winner's key is the one to hand out. A
	// failure on this re-read is contention, not a bad request, so the caller
	// may retry.
	key, err = v.keys.ActiveKey(ctx, institutionID)
	if err != nil {
		return nil, apperr.Transient("failed to reload active key after creation race", err)
	}
	if key == nil {
		return nil, apperr.Transient("active key vanished after creation race", nil)
	}
	return key, nil
}

// Rotate supersedes the active key and installs the next version. Only
// institution administrators may rotate. A concurrent rotation loses the
// compare-and-swap and idempotently observes the winner's key instead.
func (v *Vault) Rotate(ctx context.Context, institutionID, actorRole string) (*RotationResult, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	if actorRole != RoleAdmin {
		return nil, apperr.Authorization("only institution administrators may rotate mesh keys")
	}

	current, err := v.GetActiveKey(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	material, err := generateKeyMaterial()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(v.gracePeriod)
	next := &models.MeshKey{
		InstitutionID: institutionID,
		Version:       current.Version + 1,
		KeyMaterial:   material,
		CreatedAt:     now,
	}

	err = v.keys.Rotate(ctx, institutionID, current.Version, expiresAt, next)
	if err == nil {
		slog.Info("rotated mesh key",
			"institution_id", institutionID,
			"version", next.Version,
			"previous_expires_at", expiresAt,
		)
		return &RotationResult{Key: next, PreviousExpires: expiresAt}, nil
	}
	if !errors.Is(err, repository.ErrRotationConflict) {
		return nil, fmt.Errorf("failed to rotate key: %w", err)
	}

	// CAS lost: someone else rotated between our read and write. Observe the
	// winner's result instead of failing the caller.
	winner, err := v.keys.ActiveKey(ctx, institutionID)
	if err != nil {
		return nil, apperr.Transient("failed to load active key after rotation conflict", err)
	}
	if winner == nil {
		return nil, apperr.Transient("active key vanished after rotation conflict", nil)
	}

	prev, err := v.keys.KeyByVersion(ctx, institutionID, winner.Version-1)
	if err != nil {
		return nil, apperr.Transient("failed to load superseded key after rotation conflict", err)
	}
	result := &RotationResult{Key: winner}
	if prev != nil && prev.ExpiresAt != nil {
		result.PreviousExpires = *prev.ExpiresAt
	}
	return result, nil
}

// IsValidForVerification reports whether keyVersion may verify a message
// created at the given instant: either it is the active key, or a superseded
// key whose grace window had not elapsed. This never authorizes creation of
// new messages; only the active key signs those.
func (v *Vault) IsValidForVerification(ctx context.Context, institutionID string, keyVersion int, at time.Time) (bool, error) {
	key, err := v.keys.KeyByVersion(ctx, institutionID, keyVersion)
	if err != nil {
		return false, fmt.Errorf("failed to load key version %d: %w", keyVersion, err)
	}
	if key == nil {
		return false, nil
	}
	if key.ExpiresAt == nil {
		return true, nil
	}
	return at.Before(*key.ExpiresAt), nil
}

func generateKeyMaterial() (string, error) {
	buf := make([]byte, keyMaterialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
