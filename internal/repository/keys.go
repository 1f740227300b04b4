package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/models"
)

func (s *SQLiteStore) ActiveKey(ctx context.Context, institutionID string) (*models.MeshKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT institution_id, version, key_material, created_at, expires_at
		FROM mesh_keys
		WHERE institution_id = ? AND expires_at IS NULL`,
		institutionID,
	)
	return scanKey(row)
}

func (s *SQLiteStore) KeyByVersion(ctx context.Context, institutionID string, version int) (*models.MeshKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT institution_id, version, key_material, created_at, expires_at
		FROM mesh_keys
		WHERE institution_id = ? AND version = ?`,
		institutionID, version,
	)
	return scanKey(row)
}

func scanKey(row *sql.Row) (*models.MeshKey, error) {
	var k models.MeshKey
	var expiresAt sql.NullTime
	err := row.Scan(&k.InstitutionID, &k.Version, &k.KeyMaterial, &k.CreatedAt, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("error scanning mesh key: %w", err)
	}
	if expiresAt.Valid {
		k.ExpiresAt = &expiresAt.Time
	}
	return &k, nil
}

func (s *SQLiteStore) InsertKey(ctx context.Context, key *models.MeshKey) error {
	var expiresAt any
	if key.ExpiresAt != nil {
		expiresAt = *key.ExpiresAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mesh_keys (institution_id, version, key_material, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.InstitutionID, key.Version, key.KeyMaterial, key.CreatedAt, expiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRotationConflict
		}
		return fmt.Errorf("error inserting mesh key: %w", err)
	}
	return nil
}

// Rotate expires the active key (guarded by fromVersion, so a concurrent
// rotation makes the guard miss) and inserts the replacement in the same
// transaction. No reader ever observes zero or two active keys.
func (s *SQLiteStore) Rotate(ctx context.Context, institutionID string, fromVersion int, expiresAt time.Time, next *models.MeshKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE mesh_keys
		SET expires_at = ?
		WHERE institution_id = ? AND version = ? AND expires_at IS NULL`,
		expiresAt, institutionID, fromVersion,
	)
	if err != nil {
		return fmt.Errorf("error expiring active key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrRotationConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO mesh_keys (institution_id, version, key_material, created_at, expires_at)
		VALUES (?, ?, ?, ?, NULL)`,
		next.InstitutionID, next.Version, next.KeyMaterial, next.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRotationConflict
		}
		return fmt.Errorf("error inserting rotated key: %w", err)
	}

	return tx.Commit()
}
