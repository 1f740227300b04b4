package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func (s *SQLiteStore) MessageExists(ctx context.Context, institutionID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM mesh_messages
		WHERE institution_id = ? AND id = ?`,
		institutionID, messageID,
	).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("error checking message existence: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg *models.MeshMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_messages (institution_id, id, sender_id, payload, key_version, created_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.InstitutionID, msg.ID, msg.SenderID, []byte(msg.Payload), msg.KeyVersion,
		msg.CreatedAt, msg.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("error inserting mesh message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, institutionID string, f MessageFilter) ([]models.MeshMessage, error) {
	query := `
		SELECT institution_id, id, sender_id, payload, key_version, created_at, received_at
		FROM mesh_messages
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
	if f.SenderID != nil {
		query += " AND sender_id = ?"
		args = append(args, *f.SenderID)
	}

	query += " ORDER BY created_at DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing mesh messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.MeshMessage{}
	for rows.Next() {
		var m models.MeshMessage
		var payload []byte
		if err := rows.Scan(
			&m.InstitutionID, &m.ID, &m.SenderID, &payload, &m.KeyVersion,
			&m.CreatedAt, &m.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning mesh message: %w", err)
		}
		m.Payload = payload
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
