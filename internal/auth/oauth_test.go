package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/trace-crm/internal/sync"
)

// tokenEndpoint answers token requests by code or refresh token
func tokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		key := r.Form.Get("code") + r.Form.Get("refresh_token")

		w.Header().Set("Content-Type", "application/json")
		switch key {
		case "good-code", "good-refresh":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-" + key,
				"refresh_token": "rotated",
				"token_type":    "Bearer",
				"expires_in":    3600,
			})
		case "no-rotation":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-only",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		case "revoked":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "Token has been expired or revoked."})
		case "busy":
			w.Header().Set("Retry-After", "15")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": "temporarily_unavailable"})
		default:
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOAuth(srv *httptest.Server) *OAuthClient {
	return NewOAuthClient(sync.ProviderGmail, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "https://app.mycrm.io/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
}

func TestExchange(t *testing.T) {
	c := newTestOAuth(tokenEndpoint(t))

	tok, err := c.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "access-good-code", tok.AccessToken)
	assert.Equal(t, "rotated", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	_, err = c.Exchange(context.Background(), "revoked")
	assert.ErrorIs(t, err, sync.ErrAuthExpired)
}

func TestRefresh(t *testing.T) {
	c := newTestOAuth(tokenEndpoint(t))

	tok, err := c.Refresh(context.Background(), "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "access-good-refresh", tok.AccessToken)

	// oauth2 carries the old refresh token over when none is returned
	tok, err = c.Refresh(context.Background(), "no-rotation")
	require.NoError(t, err)
	assert.Equal(t, "access-only", tok.AccessToken)
	assert.Equal(t, "no-rotation", tok.RefreshToken)
}

func TestRefresh_Classification(t *testing.T) {
	c := newTestOAuth(tokenEndpoint(t))

	_, err := c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, sync.ErrAuthExpired)

	_, err = c.Refresh(context.Background(), "revoked")
	assert.ErrorIs(t, err, sync.ErrAuthExpired)

	_, err = c.Refresh(context.Background(), "busy")
	assert.ErrorIs(t, err, sync.ErrProviderUnavailable)
	assert.Equal(t, 15*time.Second, sync.RetryAfter(err))

	_, err = c.Refresh(context.Background(), "other")
	require.Error(t, err)
	assert.NotErrorIs(t, err, sync.ErrAuthExpired)
	assert.NotErrorIs(t, err, sync.ErrProviderUnavailable)
	assert.ErrorContains(t, err, "gmail token endpoint")
}

func TestRefresh_TransportFailure(t *testing.T) {
	srv := tokenEndpoint(t)
	c := newTestOAuth(srv)
	srv.Close()

	_, err := c.Refresh(context.Background(), "good-refresh")
	assert.ErrorIs(t, err, sync.ErrProviderUnavailable)
}

func TestRefresh_Canceled(t *testing.T) {
	c := newTestOAuth(tokenEndpoint(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Refresh(ctx, "good-refresh")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthCodeURL(t *testing.T) {
	g := NewGoogleOAuth("gid", "gsecret", "https://app.mycrm.io/oauth/google")
	assert.True(t, g.Configured())

	u, err := url.Parse(g.AuthCodeURL("state-1"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "gmail.readonly")

	m := NewMicrosoftOAuth("", "", "https://app.mycrm.io/oauth/microsoft", "")
	assert.False(t, m.Configured())
	u, err = url.Parse(m.AuthCodeURL("state-2"))
	require.NoError(t, err)
	assert.Contains(t, u.Path, "/common/")
	assert.Contains(t, u.Query().Get("scope"), "offline_access")
}
