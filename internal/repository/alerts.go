package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func (s *SQLiteStore) CreateAlertWithLog(ctx context.Context, alert *models.Alert, log *models.AlertLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var idemKey any
	if alert.IdempotencyKey != "" {
		idemKey = alert.IdempotencyKey
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (id, institution_id, type, severity, title, description,
			location_details, source, created_by, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.InstitutionID, alert.Type, alert.Severity, alert.Title,
		alert.Description, alert.LocationDetails, alert.Source, alert.CreatedBy,
		idemKey, alert.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAlert
		}
		return fmt.Errorf("error inserting alert: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO alert_logs (id, alert_id, institution_id, affected_users, delivery_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		log.ID, log.AlertID, log.InstitutionID, log.AffectedUsers, log.DeliveryStatus, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting alert log: %w", err)
	}

	return tx.Commit()
}

const alertColumns = `id, institution_id, type, severity, title, description,
	location_details, source, created_by, COALESCE(idempotency_key, ''), created_at`

func (s *SQLiteStore) GetAlertByID(ctx context.Context, institutionID, alertID string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE institution_id = ? AND id = ?`,
		institutionID, alertID,
	)
	return scanAlert(row)
}

func (s *SQLiteStore) GetAlertByIdempotencyKey(ctx context.Context, institutionID, key string) (*models.Alert, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE institution_id = ? AND idempotency_key = ?`,
		institutionID, key,
	)
	return scanAlert(row)
}

func scanAlert(row *sql.Row) (*models.Alert, error) {
	var a models.Alert
	err := row.Scan(
		&a.ID, &a.InstitutionID, &a.Type, &a.Severity, &a.Title, &a.Description,
		&a.LocationDetails, &a.Source, &a.CreatedBy, &a.IdempotencyKey, &a.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error scanning alert: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAlertLogByAlertID(ctx context.Context, institutionID, alertID string) (*models.AlertLog, error) {
	var l models.AlertLog
	err := s.db.QueryRowContext(ctx, `
		SELECT id, alert_id, institution_id, affected_users, delivery_status, created_at
		FROM alert_logs
		WHERE institution_id = ? AND alert_id = ?`,
		institutionID, alertID,
	).Scan(&l.ID, &l.AlertID, &l.InstitutionID, &l.AffectedUsers, &l.DeliveryStatus, &l.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error scanning alert log: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) UpdateDeliveryStatus(ctx context.Context, institutionID, alertID string, status models.DeliveryStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_logs
		SET delivery_status = ?
		WHERE institution_id = ? AND alert_id = ?`,
		status, institutionID, alertID,
	)
	if err != nil {
		return fmt.Errorf("error updating delivery status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, institutionID string, f AlertFilter) ([]models.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE institution_id = ?`
	args := []any{institutionID}

	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, *f.Until)
	}
	if f.Severity != nil {
		query += " AND severity = ?"
		args = append(args, *f.Severity)
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.Alert{}
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(
			&a.ID, &a.InstitutionID, &a.Type, &a.Severity, &a.Title, &a.Description,
			&a.LocationDetails, &a.Source, &a.CreatedBy, &a.IdempotencyKey, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
