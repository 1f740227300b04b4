package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func (s *SQLiteStore) UpsertGateway(ctx context.Context, gw *models.MeshGateway) error {
	// Re-registration refreshes metadata only; counters and registered_at
	// accumulated by the existing row are preserved.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_gateways (institution_id, id, name, location, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (institution_id, id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			updated_at = excluded.updated_at`,
		gw.InstitutionID, gw.ID, gw.Name, gw.Location, gw.RegisteredAt, gw.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error upserting gateway: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ApplyGatewayStats(ctx context.Context, institutionID, gatewayID string, delta models.GatewayStats) error {
	var lastSeen any
	if delta.LastSeenAt != nil {
		lastSeen = *delta.LastSeenAt
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE mesh_gateways
		SET messages_relayed = messages_relayed + ?,
			uptime_seconds = uptime_seconds + ?,
			last_seen_at = COALESCE(?, last_seen_at),
			updated_at = CURRENT_TIMESTAMP
		WHERE institution_id = ? AND id = ?`,
		delta.MessagesRelayed, delta.UptimeSeconds, lastSeen, institutionID, gatewayID,
	)
	if err != nil {
		return fmt.Errorf("error applying gateway stats: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrGatewayNotFound
	}
	return nil
}

const gatewayColumns = `institution_id, id, name, COALESCE(location, ''),
	messages_relayed, uptime_seconds, last_seen_at, registered_at, updated_at`

func (s *SQLiteStore) ListGateways(ctx context.Context, institutionID string) ([]models.MeshGateway, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gatewayColumns+`
		FROM mesh_gateways
		WHERE institution_id = ?
		ORDER BY registered_at`,
		institutionID,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing gateways: %w", err)
	}
	defer rows.Close()

	gateways := []models.MeshGateway{}
	for rows.Next() {
		gw, err := scanGatewayRow(rows)
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, *gw)
	}
	return gateways, rows.Err()
}

func (s *SQLiteStore) GetGateway(ctx context.Context, institutionID, gatewayID string) (*models.MeshGateway, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+gatewayColumns+`
		FROM mesh_gateways
		WHERE institution_id = ? AND id = ?`,
		institutionID, gatewayID,
	)
	if err != nil {
		return nil, fmt.Errorf("error getting gateway: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanGatewayRow(rows)
}

func scanGatewayRow(rows *sql.Rows) (*models.MeshGateway, error) {
	var gw models.MeshGateway
	var lastSeen sql.NullTime
	if err := rows.Scan(
		&gw.InstitutionID, &gw.ID, &gw.Name, &gw.Location,
		&gw.MessagesRelayed, &gw.UptimeSeconds, &lastSeen,
		&gw.RegisteredAt, &gw.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("error scanning gateway: %w", err)
	}
	if lastSeen.Valid {
		gw.LastSeenAt = &lastSeen.Time
	}
	return &gw, nil
}
