package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRefreshMargin is how long a token must remain valid to be used as is
const DefaultRefreshMargin = 60 * time.Second

// TokenManager guarantees a usable access token before provider calls
type TokenManager struct {
	store     ConnectionStore
	providers Providers
	margin    time.Duration
	now       func() time.Time
	log       logrus.FieldLogger
}

// NewTokenManager creates a token manager
func NewTokenManager(store ConnectionStore, providers Providers, margin time.Duration, log logrus.FieldLogger) *TokenManager {
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	return &TokenManager{
		store:     store,
		providers: providers,
		margin:    margin,
		now:       time.Now,
		log:       log,
	}
}

// EnsureValidToken returns an access token usable for at least one more call,
// refreshing and persisting it first when it is about to expire.
func (m *TokenManager) EnsureValidToken(ctx context.Context, conn *Connection) (string, error) {
	now := m.now()
	if conn.ExpiresAt.IsZero() || conn.ExpiresAt.After(now.Add(m.margin)) {
		return conn.AccessToken, nil
	}

	if conn.RefreshToken == "" {
		return "", AuthExpired(conn.Provider, 0, errors.New("access token expired and no refresh token stored"))
	}

	provider, err := m.providers.Get(conn.Provider)
	if err != nil {
		return "", err
	}

	log := m.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"expires_at":    conn.ExpiresAt,
	})
	log.Debug("refreshing access token")

	tok, err := provider.RefreshToken(ctx, conn.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrProviderUnavailable) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", Unavailable(conn.Provider, 0, 0, fmt.Errorf("refresh token: %w", err))
	}
	if tok.AccessToken == "" {
		return "", Unavailable(conn.Provider, 0, 0, errors.New("refresh returned an empty access token"))
	}

	if err := m.store.UpdateTokens(ctx, conn.ID, tok); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	conn.AccessToken = tok.AccessToken
	conn.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		conn.RefreshToken = tok.RefreshToken
	}

	log.WithField("new_expires_at", tok.Expiry).Info("access token refreshed")
	return tok.AccessToken, nil
}
