// Package gateway tracks the physical relay nodes that forward mesh-queued
// messages for an institution, and the stats they report.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/models"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

type Registry struct {
	gateways repository.GatewayRepository
}

func NewRegistry(gateways repository.GatewayRepository) *Registry {
	return &Registry{gateways: gateways}
}

// Descriptor is the metadata a relay node supplies when registering.
type Descriptor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Register upserts a gateway by (institution, id). First registration stamps
// registered_at; re-registration refreshes metadata and leaves cumulative
// stats untouched.
func (r *Registry) Register(ctx context.Context, institutionID string, desc Descriptor) (*models.MeshGateway, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	if desc.ID == "" {
		return nil, apperr.Validation("gateway id is required")
	}
	if desc.Name == "" {
		return nil, apperr.Validation("gateway name is required")
	}

	now := time.Now().UTC()
	gw := &models.MeshGateway{
		ID:            desc.ID,
		InstitutionID: institutionID,
		Name:          desc.Name,
		Location:      desc.Location,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}

	if err := r.gateways.UpsertGateway(ctx, gw); err != nil {
		return nil, fmt.Errorf("failed to register gateway: %w", err)
	}

	registered, err := r.gateways.GetGateway(ctx, institutionID, desc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered gateway: %w", err)
	}

	slog.Info("gateway registered",
		"institution_id", institutionID,
		"gateway_id", desc.ID,
		"name", desc.Name,
	)
	return registered, nil
}

// RecordStats merges a stats delta into a registered gateway: counters are
// additive, last_seen_at overwrites.
func (r *Registry) RecordStats(ctx context.Context, institutionID, gatewayID string, delta models.GatewayStats) (*models.MeshGateway, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	if gatewayID == "" {
		return nil, apperr.Validation("gateway id is required")
	}
	if delta.MessagesRelayed < 0 || delta.UptimeSeconds < 0 {
		return nil, apperr.Validation("stats counters must be non-negative")
	}

	err := r.gateways.ApplyGatewayStats(ctx, institutionID, gatewayID, delta)
	if err != nil {
		if errors.Is(err, repository.ErrGatewayNotFound) {
			return nil, apperr.NotFound("gateway %q is not registered", gatewayID)
		}
		return nil, fmt.Errorf("failed to record gateway stats: %w", err)
	}

	return r.gateways.GetGateway(ctx, institutionID, gatewayID)
}

func (r *Registry) List(ctx context.Context, institutionID string) ([]models.MeshGateway, error) {
	if institutionID == "" {
		return nil, apperr.Validation("institution id is required")
	}
	return r.gateways.ListGateways(ctx, institutionID)
}

// GetByID returns nil (not an error) when the gateway is absent.
func (r *Registry) GetByID(ctx context.Context, institutionID, gatewayID string) (*models.MeshGateway, error) {
	if institutionID == "" || gatewayID == "" {
		return nil, apperr.Validation("institution id and gateway id are required")
	}
	return r.gateways.GetGateway(ctx, institutionID, gatewayID)
}
