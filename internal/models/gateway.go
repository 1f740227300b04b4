package models

import "time"

// MeshGateway is a physical or virtual relay node registered under an
// institution. Counters are cumulative; LastSeenAt is instantaneous.
type MeshGateway struct {
	ID              string     `json:"id"`
	InstitutionID   string     `json:"institutionId"`
	Name            string     `json:"name"`
	Location        string     `json:"location"`
	MessagesRelayed int64      `json:"messagesRelayed"`
	UptimeSeconds   int64      `json:"uptimeSeconds"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// GatewayStats is a stats delta reported by a relay node. Counter fields are
// merged additively; LastSeenAt overwrites.
type GatewayStats struct {
	MessagesRelayed int64      `json:"messagesRelayed"`
	UptimeSeconds   int64      `json:"uptimeSeconds"`
	LastSeenAt      *time.Time `json:"lastSeenAt,omitempty"`
}
