package models

import "time"

// MeshKey is one version of an institution's symmetric mesh key. Exactly one
// key per institution has ExpiresAt == nil (the active key); superseded keys
// keep a grace window during which they still verify offline-queued messages.
type MeshKey struct {
	InstitutionID string     `json:"institutionId"`
	Version       int        `json:"version"`
	KeyMaterial   string     `json:"keyMaterial"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// Active reports whether this is the institution's current signing key.
func (k *MeshKey) Active() bool {
	return k.ExpiresAt == nil
}
