package sync

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGmail   ProviderName = "gmail"
	ProviderOutlook ProviderName = "outlook"
)

// ParseProviderName validates a provider identifier coming from a request or flag
func ParseProviderName(s string) (ProviderName, error) {
	switch p := ProviderName(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGmail, ProviderOutlook:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// FetchedMessage represents normalized email metadata across providers.
// It only lives for the duration of a run.
type FetchedMessage struct {
	Provider  ProviderName
	MessageID string // provider ID (Gmail: Id, Outlook: id)
	ThreadID  string
	From      string
	To        []string
	Subject   string
	Snippet   string
	Date      time.Time
}

// Token is an OAuth token pair as returned by a provider
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the provider did not rotate it
	Expiry       time.Time
}

// PageRequest asks a provider for one page of messages newer than Cursor.
type PageRequest struct {
	Mailbox  string
	Cursor   string    // opaque, empty on first sync
	Since    time.Time // window start for a first sync or a rescan after an expired cursor
	PageSize int
}

// Page is one provider response.
type Page struct {
	Messages []FetchedMessage
	// Cursor resumes after this page: a continuation while More is true,
	// otherwise the incremental position for the next run.
	Cursor string
	More   bool
}

// MailProvider is the capability a mail provider offers to the sync core
type MailProvider interface {
	Name() ProviderName

	// FetchPage returns one page of messages newer than req.Cursor
	FetchPage(ctx context.Context, accessToken string, req PageRequest) (*Page, error)

	// RefreshToken exchanges a refresh token for a new access token
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
}

// Connector is the OAuth onboarding side of a provider
type Connector interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Token, error)
	MailboxAddress(ctx context.Context, accessToken string) (string, error)
}

// Providers resolves adapters by name
type Providers map[ProviderName]MailProvider

// Get returns the adapter for name
func (p Providers) Get(name ProviderName) (MailProvider, error) {
	mp, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return mp, nil
}

// Connector returns the onboarding side of the adapter for name
func (p Providers) Connector(name ProviderName) (Connector, error) {
	mp, err := p.Get(name)
	if err != nil {
		return nil, err
	}
	c, ok := mp.(Connector)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not support OAuth onboarding", ErrUnknownProvider, name)
	}
	return c, nil
}
