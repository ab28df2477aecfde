package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"whoop-sync/internal/metrics"
)

// Profile is the WHOOP account linked to a local user. It is the parent of
// every domain record.
type Profile struct {
	ID          string
	UserID      string
	WhoopUserID int64
	Email       string
	FirstName   string
	LastName    string
	LastSyncAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const profileColumns = `id, user_id, whoop_user_id, email, first_name, last_name, last_sync_at, created_at, updated_at`

// UpsertProfile creates the user's profile or refreshes its remote fields.
// The local id is stable across reconnects.
func (d *DB) UpsertProfile(ctx context.Context, p *Profile) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertProfile))
	defer timer.ObserveDuration()

	now := time.Now()
	var createdAt int64
	err := d.queryRow(ctx, `
		INSERT INTO profiles (id, user_id, whoop_user_id, email, first_name, last_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			whoop_user_id = excluded.whoop_user_id,
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`, uuid.NewString(), p.UserID, p.WhoopUserID, p.Email, p.FirstName, p.LastName, now.Unix(), now.Unix()).Scan(&p.ID, &createdAt)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertProfile).Inc()
		return fail("upsert profile", err)
	}

	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = now
	return nil
}

// GetProfileByUserID returns nil if the user has no profile
func (d *DB) GetProfileByUserID(ctx context.Context, userID string) (*Profile, error) {
	return d.getProfile(ctx, "user_id", userID)
}

// GetProfileByWhoopUserID returns nil if no local user is linked to the WHOOP account
func (d *DB) GetProfileByWhoopUserID(ctx context.Context, whoopUserID int64) (*Profile, error) {
	return d.getProfile(ctx, "whoop_user_id", whoopUserID)
}

func (d *DB) getProfile(ctx context.Context, column string, value any) (*Profile, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetProfile))
	defer timer.ObserveDuration()

	var (
		p                    Profile
		lastSync             *int64
		createdAt, updatedAt int64
	)
	err := d.queryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE `+column+` = ?`, value).Scan(
		&p.ID, &p.UserID, &p.WhoopUserID, &p.Email, &p.FirstName, &p.LastName,
		&lastSync, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpGetProfile).Inc()
		return nil, fail("get profile", err)
	}

	p.LastSyncAt = timeFromUnix(lastSync)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// SetLastSyncAt records the completion time of a successful backfill
func (d *DB) SetLastSyncAt(ctx context.Context, profileID string, at time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpSetLastSync))
	defer timer.ObserveDuration()

	_, err := d.exec(ctx, `UPDATE profiles SET last_sync_at = ?, updated_at = ? WHERE id = ?`, at.Unix(), time.Now().Unix(), profileID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpSetLastSync).Inc()
		return fail("set last sync", err)
	}
	return nil
}

// DeleteProfile removes a profile and, through the foreign keys, all of its records
func (d *DB) DeleteProfile(ctx context.Context, profileID string) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteProfile))
	defer timer.ObserveDuration()

	if _, err := d.exec(ctx, `DELETE FROM profiles WHERE id = ?`, profileID); err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteProfile).Inc()
		return fail("delete profile", err)
	}
	return nil
}
