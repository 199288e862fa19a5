package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/trace-crm/internal/providers"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

// OAuth scopes requested per provider
var (
	GoogleScopes = []string{
		"https://www.googleapis.com/auth/gmail.readonly",
	}
	MicrosoftScopes = []string{
		"offline_access",
		"https://graph.microsoft.com/Mail.Read",
		"https://graph.microsoft.com/User.Read",
	}
)

// OAuthClient exchanges and refreshes tokens for one provider
type OAuthClient struct {
	provider sync.ProviderName
	config   *oauth2.Config
	authOpts []oauth2.AuthCodeOption
}

// NewGoogleOAuth creates the OAuth client used by the Gmail adapter
func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *OAuthClient {
	return &OAuthClient{
		provider: sync.ProviderGmail,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       GoogleScopes,
			Endpoint:     google.Endpoint,
		},
		// offline access is the only way to get a refresh token from Google
		authOpts: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
	}
}

// NewMicrosoftOAuth creates the OAuth client used by the Outlook adapter.
// An empty tenant means "common".
func NewMicrosoftOAuth(clientID, clientSecret, redirectURL, tenant string) *OAuthClient {
	if tenant == "" {
		tenant = "common"
	}
	return &OAuthClient{
		provider: sync.ProviderOutlook,
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       MicrosoftScopes,
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
	}
}

// NewOAuthClient wraps an arbitrary config, mainly for tests against a fake token endpoint
func NewOAuthClient(provider sync.ProviderName, config *oauth2.Config) *OAuthClient {
	return &OAuthClient{provider: provider, config: config}
}

// Configured reports whether client credentials are present
func (c *OAuthClient) Configured() bool {
	return c.config.ClientID != ""
}

// AuthCodeURL returns the consent page URL carrying state
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state, c.authOpts...)
}

// Exchange trades an authorization code for a token pair
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*sync.Token, error) {
	tok, err := c.config.Exchange(ctx, code)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return fromOAuth2(tok), nil
}

// Refresh exchanges a refresh token for a new access token. A rejected
// refresh token is reported as sync.ErrAuthExpired.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*sync.Token, error) {
	if refreshToken == "" {
		return nil, sync.AuthExpired(c.provider, 0, errors.New("no refresh token"))
	}
	src := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) *sync.Token {
	return &sync.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

// classify maps token endpoint failures onto the sync error kinds
func (c *OAuthClient) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("token request: %w", ctx.Err())
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return sync.Unavailable(c.provider, 0, 0, err)
	}

	status := 0
	var retryAfter time.Duration
	if re.Response != nil {
		status = re.Response.StatusCode
		retryAfter = providers.ParseRetryAfter(re.Response.Header.Get("Retry-After"), time.Now())
	}

	switch {
	case re.ErrorCode == "invalid_grant", re.ErrorCode == "unauthorized_client",
		status == http.StatusBadRequest, status == http.StatusUnauthorized:
		return sync.AuthExpired(c.provider, status, err)
	case providers.IsTransientStatus(status):
		return sync.Unavailable(c.provider, status, retryAfter, err)
	default:
		return fmt.Errorf("%s token endpoint: %w", c.provider, err)
	}
}
