package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/whoop"
)

// RefreshSkew is how long before expiry a token is treated as expired
const RefreshSkew = 5 * time.Minute

// refreshTimeout bounds a refresh and its write-back. It is independent of
// the caller's deadline.
const refreshTimeout = 30 * time.Second

var (
	// ErrNotConnected means the user has no WHOOP connection
	ErrNotConnected = errors.New("whoop account not connected")
	// ErrRefreshFailed means the token is expired and cannot be refreshed
	// until the user authorizes again
	ErrRefreshFailed = errors.New("token expired and could not be refreshed")
)

// Vendor is the part of the WHOOP client the store needs
type Vendor interface {
	RefreshToken(ctx context.Context, refreshToken string) (*whoop.Token, error)
	RevokeAccess(ctx context.Context, accessToken string) error
}

// Store owns every user's WHOOP credentials. Refreshes for one user are
// serialized so a rotated refresh token is never presented twice.
type Store struct {
	db     *database.DB
	vendor Vendor
	enc    *Encryptor
	locks  *keyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a token store. enc may be nil.
func NewStore(db *database.DB, vendor Vendor, enc *Encryptor) *Store {
	return &Store{
		db:     db,
		vendor: vendor,
		enc:    enc,
		locks:  newKeyedMutex(),
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Connection returns the user's decrypted connection or ErrNotConnected
func (s *Store) Connection(ctx context.Context, userID string) (*database.Connection, error) {
	conn, err := s.db.GetConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, ErrNotConnected
	}
	if conn.AccessToken, err = s.enc.Open(conn.AccessToken); err != nil {
		return nil, err
	}
	if conn.RefreshToken, err = s.enc.Open(conn.RefreshToken); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Store) fresh(conn *database.Connection) bool {
	return s.now().Before(conn.ExpiresAt.Add(-RefreshSkew))
}

// ValidAccessToken returns a usable access token, refreshing at most once
func (s *Store) ValidAccessToken(ctx context.Context, userID string) (string, error) {
	conn, err := s.Connection(ctx, userID)
	if err != nil {
		return "", err
	}
	if s.fresh(conn) {
		return conn.AccessToken, nil
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	// Another caller may have refreshed while we waited
	conn, err = s.Connection(ctx, userID)
	if err != nil {
		return "", err
	}
	if s.fresh(conn) {
		return conn.AccessToken, nil
	}

	conn, err = s.refreshLocked(ctx, conn)
	if err != nil {
		return "", err
	}
	return conn.AccessToken, nil
}

// Refresh unconditionally refreshes the user's tokens
func (s *Store) Refresh(ctx context.Context, userID string) (*database.Connection, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	conn, err := s.Connection(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.refreshLocked(ctx, conn)
}

// ForceRefresh refreshes after the vendor rejected rejectedToken. If the
// stored token already differs, someone else refreshed and it is returned
// as is.
func (s *Store) ForceRefresh(ctx context.Context, userID, rejectedToken string) (string, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	conn, err := s.Connection(ctx, userID)
	if err != nil {
		return "", err
	}
	if conn.AccessToken != rejectedToken {
		return conn.AccessToken, nil
	}

	conn, err = s.refreshLocked(ctx, conn)
	if err != nil {
		return "", err
	}
	return conn.AccessToken, nil
}

// WithToken runs fn with a valid token. If the vendor answers 401 the token
// is force-refreshed and fn runs once more.
func (s *Store) WithToken(ctx context.Context, userID string, fn func(ctx context.Context, accessToken string) error) error {
	ctx = whoop.WithUser(ctx, userID)

	token, err := s.ValidAccessToken(ctx, userID)
	if err != nil {
		return err
	}

	err = fn(ctx, token)
	if !errors.Is(err, whoop.ErrUnauthorized) {
		return err
	}

	s.logger.Info("Access token rejected, forcing refresh", "user_id", userID)
	token, err = s.ForceRefresh(ctx, userID, token)
	if err != nil {
		return err
	}
	return fn(ctx, token)
}

// refreshLocked must be called with the user's lock held
func (s *Store) refreshLocked(ctx context.Context, conn *database.Connection) (*database.Connection, error) {
	if conn.ReauthRequired {
		return nil, fmt.Errorf("%w: reauthorization required", ErrRefreshFailed)
	}

	// Once WHOOP rotates the token the new pair has to reach the database,
	// so a caller that times out or disconnects must not cancel this
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()

	start := s.now()
	tok, err := s.vendor.RefreshToken(whoop.WithUser(ctx, conn.UserID), conn.RefreshToken)
	if err != nil {
		if errors.Is(err, whoop.ErrTokenRejected) {
			metrics.TokenRefreshTotal.WithLabelValues(metrics.RefreshRejected).Inc()
			s.logger.Warn("Refresh token rejected, reauthorization required", "user_id", conn.UserID, "error", err)
			if markErr := s.db.MarkReauthRequired(ctx, conn.UserID, err.Error()); markErr != nil {
				s.logger.Error("Failed to mark connection for reauthorization", "user_id", conn.UserID, "error", markErr)
			}
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		metrics.TokenRefreshTotal.WithLabelValues(metrics.RefreshTransientError).Inc()
		s.logger.Warn("Token refresh failed", "user_id", conn.UserID, "error", err)
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	access, err := s.enc.Seal(tok.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.enc.Seal(tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	scope := tok.Scope
	if scope == "" {
		scope = conn.Scope
	}
	if err := s.db.UpdateConnectionTokens(ctx, conn.UserID, access, refresh, tok.ExpiresAt, scope); err != nil {
		// The old refresh token is already spent
		s.logger.Error("Failed to persist refreshed tokens", "user_id", conn.UserID, "error", err)
		return nil, err
	}

	metrics.TokenRefreshTotal.WithLabelValues(metrics.RefreshSuccess).Inc()
	s.logger.Info("Refreshed access token", "user_id", conn.UserID, "expires_at", tok.ExpiresAt, "duration_ms", s.now().Sub(start).Milliseconds())

	updated := *conn
	updated.AccessToken = tok.AccessToken
	updated.RefreshToken = tok.RefreshToken
	updated.ExpiresAt = tok.ExpiresAt
	updated.Scope = scope
	return &updated, nil
}

// SaveExchange stores the tokens from an authorization code exchange,
// replacing any previous connection
func (s *Store) SaveExchange(ctx context.Context, userID string, tok *whoop.Token) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	access, err := s.enc.Seal(tok.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.enc.Seal(tok.RefreshToken)
	if err != nil {
		return err
	}
	return s.db.SaveConnection(ctx, &database.Connection{
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    tok.ExpiresAt,
		Scope:        tok.Scope,
	})
}

// Disconnect revokes vendor access on a best-effort basis and deletes the
// connection and pending sync jobs. With removeData the profile and every
// record under it are deleted too. Returns false if nothing was connected.
func (s *Store) Disconnect(ctx context.Context, userID string, removeData bool) (bool, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	conn, err := s.Connection(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotConnected) {
		return false, err
	}

	if conn != nil {
		revokeCtx, cancel := context.WithTimeout(whoop.WithUser(ctx, userID), 10*time.Second)
		if err := s.vendor.RevokeAccess(revokeCtx, conn.AccessToken); err != nil {
			s.logger.Warn("Failed to revoke WHOOP access", "user_id", userID, "error", err)
		}
		cancel()

		if _, err := s.db.DeleteConnection(ctx, userID); err != nil {
			return false, err
		}
	}

	if err := s.db.DeleteSyncJobsForUser(ctx, userID); err != nil {
		return conn != nil, err
	}

	if removeData {
		profile, err := s.db.GetProfileByUserID(ctx, userID)
		if err != nil {
			return conn != nil, err
		}
		if profile != nil {
			if err := s.db.DeleteProfile(ctx, profile.ID); err != nil {
				return conn != nil, err
			}
			s.logger.Info("Deleted WHOOP data", "user_id", userID, "profile_id", profile.ID)
		}
	}

	s.logger.Info("Disconnected WHOOP account", "user_id", userID, "remove_data", removeData)
	return conn != nil, nil
}
