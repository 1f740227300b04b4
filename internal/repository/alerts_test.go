package repository

import (
	"context"
	"testing"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func testAlert(id, idemKey string) (*models.Alert, *models.AlertLog) {
	now := time.Now().UTC()
	a := &models.Alert{
		ID:             id,
		InstitutionID:  "school-1",
		Type:           "fire",
		Severity:       models.AlertSeverityHigh,
		Title:          "Fire in gym",
		Source:         models.AlertSourceTeacher,
		CreatedBy:      "teacher-3",
		IdempotencyKey: idemKey,
		CreatedAt:      now,
	}
	l := &models.AlertLog{
		ID:             "log-" + id,
		AlertID:        id,
		InstitutionID:  "school-1",
		AffectedUsers:  42,
		DeliveryStatus: models.DeliveryStatusPending,
		CreatedAt:      now,
	}
	return a, l
}

func TestAlerts_CreateWithLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, l := testAlert("alert-1", "")
	if err := store.CreateAlertWithLog(ctx, a, l); err != nil {
		t.Fatalf("CreateAlertWithLog failed: %v", err)
	}

	got, err := store.GetAlertByID(ctx, "school-1", "alert-1")
	if err != nil {
		t.Fatalf("GetAlertByID failed: %v", err)
	}
	if got == nil || got.Type != "fire" || got.Severity != models.AlertSeverityHigh {
		t.Fatalf("unexpected alert: %+v", got)
	}

	log, err := store.GetAlertLogByAlertID(ctx, "school-1", "alert-1")
	if err != nil {
		t.Fatalf("GetAlertLogByAlertID failed: %v", err)
	}
	if log == nil || log.AffectedUsers != 42 || log.DeliveryStatus != models.DeliveryStatusPending {
		t.Fatalf("unexpected alert log: %+v", log)
	}
}

func TestAlerts_LogFailureRollsBackAlert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a1, l1 := testAlert("alert-1", "")
	if err := store.CreateAlertWithLog(ctx, a1, l1); err != nil {
		t.Fatalf("CreateAlertWithLog failed: %v", err)
	}

	// Reusing the first log's primary key forces the log insert to fail;
	// the alert insert in the same transaction must roll back with it.
	a2, l2 := testAlert("alert-2", "")
	l2.ID = l1.ID
	if err := store.CreateAlertWithLog(ctx, a2, l2); err == nil {
		t.Fatal("expected log insert failure")
	}

	got, err := store.GetAlertByID(ctx, "school-1", "alert-2")
	if err != nil {
		t.Fatalf("GetAlertByID failed: %v", err)
	}
	if got != nil {
		t.Fatal("alert must not survive a failed log insert")
	}
}

func TestAlerts_IdempotencyKeyUnique(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a1, l1 := testAlert("alert-1", "press-123")
	if err := store.CreateAlertWithLog(ctx, a1, l1); err != nil {
		t.Fatalf("CreateAlertWithLog failed: %v", err)
	}

	a2, l2 := testAlert("alert-2", "press-123")
	if err := store.CreateAlertWithLog(ctx, a2, l2); err != ErrDuplicateAlert {
		t.Fatalf("expected ErrDuplicateAlert, got %v", err)
	}

	found, err := store.GetAlertByIdempotencyKey(ctx, "school-1", "press-123")
	if err != nil {
		t.Fatalf("GetAlertByIdempotencyKey failed: %v", err)
	}
	if found == nil || found.ID != "alert-1" {
		t.Fatalf("expected original alert, got %+v", found)
	}
}

func TestAlerts_EmptyIdempotencyKeysDoNotCollide(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a1, l1 := testAlert("alert-1", "")
	a2, l2 := testAlert("alert-2", "")
	if err := store.CreateAlertWithLog(ctx, a1, l1); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := store.CreateAlertWithLog(ctx, a2, l2); err != nil {
		t.Fatalf("second create without idempotency key must succeed: %v", err)
	}
}

func TestAlerts_UpdateDeliveryStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a, l := testAlert("alert-1", "")
	if err := store.CreateAlertWithLog(ctx, a, l); err != nil {
		t.Fatalf("CreateAlertWithLog failed: %v", err)
	}

	if err := store.UpdateDeliveryStatus(ctx, "school-1", "alert-1", models.DeliveryStatusDegraded); err != nil {
		t.Fatalf("UpdateDeliveryStatus failed: %v", err)
	}

	log, err := store.GetAlertLogByAlertID(ctx, "school-1", "alert-1")
	if err != nil {
		t.Fatalf("GetAlertLogByAlertID failed: %v", err)
	}
	if log.DeliveryStatus != models.DeliveryStatusDegraded {
		t.Errorf("expected degraded, got %s", log.DeliveryStatus)
	}

	if err := store.UpdateDeliveryStatus(ctx, "school-1", "alert-missing", models.DeliveryStatusDelivered); err != ErrAlertNotFound {
		t.Fatalf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestAlerts_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	severities := []models.AlertSeverity{models.AlertSeverityLow, models.AlertSeverityHigh, models.AlertSeverityCritical}
	for i, sev := range severities {
		a, l := testAlert("alert-"+string(rune('a'+i)), "")
		a.Severity = sev
		a.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if err := store.CreateAlertWithLog(ctx, a, l); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	high := models.AlertSeverityHigh
	alerts, err := store.ListAlerts(ctx, "school-1", AlertFilter{Severity: &high})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Severity != high {
		t.Fatalf("expected one high alert, got %+v", alerts)
	}

	since := base.Add(30 * time.Minute)
	alerts, err = store.ListAlerts(ctx, "school-1", AlertFilter{Since: &since})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts since %v, got %d", since, len(alerts))
	}
}
