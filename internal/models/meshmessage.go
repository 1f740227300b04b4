package models

import (
	"encoding/json"
	"time"
)

// MeshMessage is an offline-queued message accepted into the canonical log.
// Identity is (InstitutionID, ID); the ID is client-generated so a device can
// retry a partially acked batch without duplicating messages.
type MeshMessage struct {
	ID            string          `json:"id"`
	InstitutionID string          `json:"institutionId"`
	SenderID      string          `json:"senderId"`
	Payload       json.RawMessage `json:"payload"`
	KeyVersion    int             `json:"keyVersion"`
	CreatedAt     time.Time       `json:"createdAt"`
	ReceivedAt    time.Time       `json:"receivedAt"`
}
