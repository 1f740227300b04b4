package models

import "time"

type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityLow, AlertSeverityMedium, AlertSeverityHigh, AlertSeverityCritical:
		return true
	}
	return false
}

type AlertSource string

const (
	AlertSourceTeacher AlertSource = "teacher"
	AlertSourceDevice  AlertSource = "device"
	AlertSourceAdmin   AlertSource = "admin"
)

func (s AlertSource) Valid() bool {
	switch s {
	case AlertSourceTeacher, AlertSourceDevice, AlertSourceAdmin:
		return true
	}
	return false
}

// Alert is immutable once created; one alert fans out to many recipients but
// keeps a single delivery record (AlertLog).
type Alert struct {
	ID              string        `json:"id"`
	InstitutionID   string        `json:"institutionId"`
	Type            string        `json:"type"`
	Severity        AlertSeverity `json:"severity"`
	Title           string        `json:"title"`
	Description     string        `json:"description"`
	LocationDetails string        `json:"locationDetails"`
	Source          AlertSource   `json:"source"`
	CreatedBy       string        `json:"createdBy"`
	IdempotencyKey  string        `json:"-"`
	CreatedAt       time.Time     `json:"createdAt"`
}

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusDegraded  DeliveryStatus = "degraded"
)

// AlertLog is the delivery/audit record written in the same transaction as its
// alert.
type AlertLog struct {
	ID             string         `json:"id"`
	AlertID        string         `json:"alertId"`
	InstitutionID  string         `json:"institutionId"`
	AffectedUsers  int            `json:"affectedUsers"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	CreatedAt      time.Time      `json:"createdAt"`
}
