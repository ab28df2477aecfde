package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/mapping"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/whoop"
)

// StateTTL is how long an authorization attempt stays valid
const StateTTL = 10 * time.Minute

var (
	// ErrInvalidState means the callback state is unknown, expired or
	// issued to another user
	ErrInvalidState = errors.New("invalid or expired state")
	// ErrNotConfigured means the WHOOP client credentials are missing
	ErrNotConfigured = errors.New("whoop oauth client not configured")
)

// Manager handles the OAuth 2.0 flow with WHOOP
type Manager struct {
	client       *whoop.Client
	db           *database.DB
	tokens       *tokens.Store
	backfillDays int
	logger       *slog.Logger
	states       *stateStore // CSRF protection
	now          func() time.Time
}

type pendingState struct {
	userID    string
	expiresAt time.Time
}

// stateStore tracks issued OAuth states, each bound to the user it was
// issued to
type stateStore struct {
	mu     sync.Mutex
	states map[string]pendingState
}

// NewManager creates a new OAuth manager
func NewManager(client *whoop.Client, db *database.DB, tokenStore *tokens.Store, backfillDays int) *Manager {
	return &Manager{
		client:       client,
		db:           db,
		tokens:       tokenStore,
		backfillDays: backfillDays,
		logger:       slog.Default(),
		states:       &stateStore{states: make(map[string]pendingState)},
		now:          time.Now,
	}
}

// Configured reports whether client credentials are present
func (m *Manager) Configured() bool {
	cfg := m.client.Config()
	return cfg.ClientID != "" && cfg.ClientSecret != ""
}

// GenerateAuthURL returns the WHOOP authorization URL for userID along with
// its one-time state
func (m *Manager) GenerateAuthURL(userID string) (string, string, error) {
	if !m.Configured() {
		return "", "", ErrNotConfigured
	}

	state, err := generateRandomState()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	m.states.mu.Lock()
	m.states.states[state] = pendingState{userID: userID, expiresAt: m.now().Add(StateTTL)}
	m.states.mu.Unlock()

	m.logger.Info("Generated auth URL", "user_id", userID)
	return m.client.AuthCodeURL(state), state, nil
}

// HandleCallback completes an authorization for userID: it exchanges the
// code, stores the connection and profile, and queues the initial backfill.
// Returns the stored profile.
func (m *Manager) HandleCallback(ctx context.Context, userID, code, state string) (*database.Profile, error) {
	if !m.Configured() {
		return nil, ErrNotConfigured
	}
	if !m.validateState(state, userID) {
		return nil, ErrInvalidState
	}

	m.logger.Info("Handling OAuth callback", "user_id", userID, "code_length", len(code))

	tok, err := m.client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// The profile is stored before the connection: a profile without a
	// connection is a disconnected user, the reverse cannot be synced
	ctx = whoop.WithUser(ctx, userID)
	remote, err := m.client.GetProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	profile := &database.Profile{
		UserID:      userID,
		WhoopUserID: remote.UserID,
		Email:       strings.TrimSpace(remote.Email),
		FirstName:   remote.FirstName,
		LastName:    remote.LastName,
	}
	if err := m.db.UpsertProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to upsert profile: %w", err)
	}

	if err := m.tokens.SaveExchange(ctx, userID, tok); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	m.logger.Info("Connected WHOOP account", "user_id", userID, "whoop_user_id", remote.UserID, "profile_id", profile.ID)

	// Body measurement is a single record; store it now so the profile is
	// complete before the backfill runs
	if body, err := m.client.GetBodyMeasurement(ctx, tok.AccessToken); err != nil {
		m.logger.Warn("Failed to fetch body measurement", "user_id", userID, "error", err)
	} else if err := m.db.UpsertRecord(ctx, mapping.BodyMeasurement(profile.ID, profile.WhoopUserID, body)); err != nil {
		m.logger.Warn("Failed to store body measurement", "user_id", userID, "error", err)
	}

	// Don't fail the OAuth flow if sync enqueueing fails
	until := m.now()
	since := until.AddDate(0, 0, -m.backfillDays)
	if jobID, err := m.db.EnqueueSyncJob(ctx, userID, since, until); err != nil {
		m.logger.Error("Failed to enqueue sync job", "error", err, "user_id", userID)
	} else {
		m.logger.Info("Enqueued sync job", "user_id", userID, "job_id", jobID, "days", m.backfillDays)
	}

	return profile, nil
}

// validateState checks that state was issued to userID and removes it
// (one-time use)
func (m *Manager) validateState(state, userID string) bool {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	pending, exists := m.states.states[state]
	if !exists {
		return false
	}
	delete(m.states.states, state)

	if m.now().After(pending.expiresAt) {
		return false
	}
	return pending.userID == userID
}

func (m *Manager) cleanupStates() int {
	m.states.mu.Lock()
	defer m.states.mu.Unlock()

	now := m.now()
	removed := 0
	for state, pending := range m.states.states {
		if now.After(pending.expiresAt) {
			delete(m.states.states, state)
			removed++
		}
	}
	return removed
}

// Serve removes expired states every minute until ctx is done
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.cleanupStates(); n > 0 {
				m.logger.Debug("Removed expired OAuth states", "count", n)
			}
		}
	}
}

func (m *Manager) String() string { return "oauth-state-cleanup" }

// generateRandomState generates a cryptographically secure random state
func generateRandomState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
