package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Repository persists scanner-station registrations and refresh tokens.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// UpsertDevice ensures a scanner-station record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// RefreshTokenValid reports whether the token is stored, unrevoked and unexpired.
func (r *Repository) RefreshTokenValid(ctx context.Context, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT revoked, expires_at FROM refresh_tokens WHERE token = $1
	`, token)
	var revoked bool
	var expiresAt time.Time
	if err := row.Scan(&revoked, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return !revoked && expiresAt.After(time.Now()), nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// PurgeExpiredRefreshTokens deletes tokens past their expiry.
func (r *Repository) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
