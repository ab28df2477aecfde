package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"whoop-sync/internal/metrics"
)

// Connection holds a local user's WHOOP OAuth credentials
type Connection struct {
	UserID           string
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	Scope            string
	ReauthRequired   bool
	LastRefreshError *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GetConnection retrieves a user's connection. Returns nil if none exists.
func (d *DB) GetConnection(ctx context.Context, userID string) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnection))
	defer timer.ObserveDuration()

	var (
		c                               Connection
		expiresAt, createdAt, updatedAt int64
	)
	err := d.queryRow(ctx, `
		SELECT user_id, access_token, refresh_token, expires_at, scope,
		       reauth_required, last_refresh_error, created_at, updated_at
		FROM connections WHERE user_id = ?
	`, userID).Scan(
		&c.UserID, &c.AccessToken, &c.RefreshToken, &expiresAt, &c.Scope,
		&c.ReauthRequired, &c.LastRefreshError, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetConnection).Inc()
		return nil, fail("get connection", err)
	}

	c.ExpiresAt = time.Unix(expiresAt, 0)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// SaveConnection creates or fully replaces a user's connection and clears any
// reauthorization flag
func (d *DB) SaveConnection(ctx context.Context, c *Connection) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSaveConnection))
	defer timer.ObserveDuration()

	now := time.Now()
	c.ReauthRequired = false
	c.LastRefreshError = nil
	c.UpdatedAt = now
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	_, err := d.exec(ctx, `
		INSERT INTO connections (
			user_id, access_token, refresh_token, expires_at, scope,
			reauth_required, last_refresh_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, FALSE, NULL, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			reauth_required = FALSE,
			last_refresh_error = NULL,
			updated_at = excluded.updated_at
	`, c.UserID, c.AccessToken, c.RefreshToken, c.ExpiresAt.Unix(), c.Scope, c.CreatedAt.Unix(), now.Unix())
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSaveConnection).Inc()
		return fail("save connection", err)
	}
	return nil
}

// UpdateConnectionTokens stores the result of a successful refresh
func (d *DB) UpdateConnectionTokens(ctx context.Context, userID, accessToken, refreshToken string, expiresAt time.Time, scope string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateTokens))
	defer timer.ObserveDuration()

	res, err := d.exec(ctx, `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, expires_at = ?, scope = ?,
		    reauth_required = FALSE, last_refresh_error = NULL, updated_at = ?
		WHERE user_id = ?
	`, accessToken, refreshToken, expiresAt.Unix(), scope, time.Now().Unix(), userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpdateTokens).Inc()
		return fail("update connection tokens", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fail("get rows affected", err)
	}
	if rows == 0 {
		return fmt.Errorf("connection not found for user %s", userID)
	}
	return nil
}

// MarkReauthRequired flags a connection whose refresh token was rejected.
// Stored tokens are left untouched.
func (d *DB) MarkReauthRequired(ctx context.Context, userID, reason string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMarkReauth))
	defer timer.ObserveDuration()

	_, err := d.exec(ctx, `
		UPDATE connections
		SET reauth_required = TRUE, last_refresh_error = ?, updated_at = ?
		WHERE user_id = ?
	`, reason, time.Now().Unix(), userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpMarkReauth).Inc()
		return fail("mark reauth required", err)
	}
	return nil
}

// DeleteConnection removes a user's connection. Reports whether one existed.
func (d *DB) DeleteConnection(ctx context.Context, userID string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteConnection))
	defer timer.ObserveDuration()

	res, err := d.exec(ctx, `DELETE FROM connections WHERE user_id = ?`, userID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteConnection).Inc()
		return false, fail("delete connection", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fail("get rows affected", err)
	}
	return rows > 0, nil
}

// ListConnectedUsers returns the ids of every user with a connection
func (d *DB) ListConnectedUsers(ctx context.Context) ([]string, error) {
	rows, err := d.query(ctx, `SELECT user_id FROM connections ORDER BY user_id`)
	if err != nil {
		return nil, fail("list connections", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fail("scan connection", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate connections", err)
	}
	return out, nil
}
