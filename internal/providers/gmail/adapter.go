package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"slices"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/trace-crm/internal/auth"
	"github.com/Martian-dev/trace-crm/internal/providers"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

const (
	user            = "me"
	defaultPageSize = 100

	modeList    = "list"
	modeHistory = "history"
)

var metadataHeaders = []string{"From", "To", "Subject", "Date"}

// labels whose messages never reach the timeline
var skippedLabels = []string{"DRAFT", "SPAM", "TRASH"}

// cursor is the adapter-private sync position. A list cursor walks the
// bounded first-sync window; a history cursor follows the History API from a
// pinned history id.
type cursor struct {
	Mode      string `json:"m"`
	HistoryID uint64 `json:"h"`
	PageToken string `json:"p,omitempty"`
	After     int64  `json:"a,omitempty"`
}

func (c cursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid gmail cursor: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("invalid gmail cursor: %w", err)
	}
	if c.Mode != modeList && c.Mode != modeHistory {
		return c, fmt.Errorf("invalid gmail cursor mode %q", c.Mode)
	}
	return c, nil
}

// Adapter implements MailProvider for Gmail
type Adapter struct {
	oauth *auth.OAuthClient
	opts  []option.ClientOption
	now   func() time.Time
}

// New creates a Gmail adapter. opts are appended to every service, which
// lets tests point the client at a local endpoint.
func New(oauth *auth.OAuthClient, opts ...option.ClientOption) *Adapter {
	return &Adapter{oauth: oauth, opts: opts, now: time.Now}
}

// Name implements sync.MailProvider
func (a *Adapter) Name() sync.ProviderName {
	return sync.ProviderGmail
}

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}, a.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// FetchPage implements sync.MailProvider
func (a *Adapter) FetchPage(ctx context.Context, accessToken string, req sync.PageRequest) (*sync.Page, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.Cursor == "" {
		return a.startWindow(ctx, svc, req)
	}

	cur, err := decodeCursor(req.Cursor)
	if err != nil {
		return nil, err
	}
	if cur.Mode == modeList {
		return a.listPage(ctx, svc, cur, req.PageSize)
	}

	page, err := a.historyPage(ctx, svc, cur, req.PageSize)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		// history ids expire after about a week; rescan the window instead
		return a.startWindow(ctx, svc, req)
	}
	return page, err
}

// startWindow pins the current history id, then lists the recent window.
// Mail arriving during the listing is picked up by the history cursor.
func (a *Adapter) startWindow(ctx context.Context, svc *gmail.Service, req sync.PageRequest) (*sync.Page, error) {
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	since := req.Since
	if since.IsZero() {
		since = a.now().Add(-30 * 24 * time.Hour)
	}
	cur := cursor{Mode: modeList, HistoryID: profile.HistoryId, After: since.Unix()}
	return a.listPage(ctx, svc, cur, req.PageSize)
}

func (a *Adapter) listPage(ctx context.Context, svc *gmail.Service, cur cursor, pageSize int) (*sync.Page, error) {
	call := svc.Users.Messages.List(user).
		Q(fmt.Sprintf("after:%d", cur.After)).
		IncludeSpamTrash(false).
		MaxResults(int64(pageSize)).
		Context(ctx)
	if cur.PageToken != "" {
		call = call.PageToken(cur.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	msgs, err := a.getMessages(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	if resp.NextPageToken != "" {
		next := cur
		next.PageToken = resp.NextPageToken
		return &sync.Page{Messages: msgs, Cursor: next.encode(), More: true}, nil
	}
	done := cursor{Mode: modeHistory, HistoryID: cur.HistoryID}
	return &sync.Page{Messages: msgs, Cursor: done.encode()}, nil
}

func (a *Adapter) historyPage(ctx context.Context, svc *gmail.Service, cur cursor, pageSize int) (*sync.Page, error) {
	call := svc.Users.History.List(user).
		StartHistoryId(cur.HistoryID).
		HistoryTypes("messageAdded").
		MaxResults(int64(pageSize)).
		Context(ctx)
	if cur.PageToken != "" {
		call = call.PageToken(cur.PageToken)
	}

	resp, err := call.Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, err
		}
		return nil, a.mapError(ctx, err)
	}

	seen := make(map[string]bool)
	var ids []string
	latest := cur.HistoryID
	for _, h := range resp.History {
		if h.Id > latest {
			latest = h.Id
		}
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] || hasSkippedLabel(added.Message.LabelIds) {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}
	}
	if resp.HistoryId > latest {
		latest = resp.HistoryId
	}

	msgs, err := a.getMessages(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	if resp.NextPageToken != "" {
		next := cursor{Mode: modeHistory, HistoryID: cur.HistoryID, PageToken: resp.NextPageToken}
		return &sync.Page{Messages: msgs, Cursor: next.encode(), More: true}, nil
	}
	done := cursor{Mode: modeHistory, HistoryID: latest}
	return &sync.Page{Messages: msgs, Cursor: done.encode()}, nil
}

// getMessages fetches metadata for ids. Messages deleted since they were
// listed are dropped.
func (a *Adapter) getMessages(ctx context.Context, svc *gmail.Service, ids []string) ([]sync.FetchedMessage, error) {
	msgs := make([]sync.FetchedMessage, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := svc.Users.Messages.Get(user, id).
			Format("metadata").
			MetadataHeaders(metadataHeaders...).
			Context(ctx).
			Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				continue
			}
			return nil, a.mapError(ctx, err)
		}
		if hasSkippedLabel(m.LabelIds) {
			continue
		}
		msgs = append(msgs, normalize(m))
	}
	return msgs, nil
}

// RefreshToken implements sync.MailProvider
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*sync.Token, error) {
	return a.oauth.Refresh(ctx, refreshToken)
}

// AuthCodeURL implements sync.Connector
func (a *Adapter) AuthCodeURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

// Exchange implements sync.Connector
func (a *Adapter) Exchange(ctx context.Context, code string) (*sync.Token, error) {
	return a.oauth.Exchange(ctx, code)
}

// MailboxAddress implements sync.Connector
func (a *Adapter) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", a.mapError(ctx, err)
	}
	return profile.EmailAddress, nil
}

// mapError classifies a Gmail API failure
func (a *Adapter) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		// transport failure
		return sync.Unavailable(sync.ProviderGmail, 0, 0, err)
	}

	retryAfter := providers.ParseRetryAfter(gerr.Header.Get("Retry-After"), a.now())
	switch {
	case gerr.Code == http.StatusUnauthorized:
		return sync.AuthExpired(sync.ProviderGmail, gerr.Code, err)
	case providers.IsTransientStatus(gerr.Code):
		return sync.Unavailable(sync.ProviderGmail, gerr.Code, retryAfter, err)
	case gerr.Code == http.StatusForbidden && isRateLimit(gerr):
		return sync.Unavailable(sync.ProviderGmail, gerr.Code, retryAfter, err)
	case gerr.Code == http.StatusForbidden:
		// scope revoked or insufficient
		return sync.AuthExpired(sync.ProviderGmail, gerr.Code, err)
	default:
		return fmt.Errorf("gmail api: %w", err)
	}
}

func isRateLimit(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "rate limit")
}

func hasSkippedLabel(labels []string) bool {
	for _, l := range skippedLabels {
		if slices.Contains(labels, l) {
			return true
		}
	}
	return false
}

// normalize converts a Gmail metadata message
func normalize(m *gmail.Message) sync.FetchedMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[strings.ToLower(kv.Name)] = kv.Value
		}
	}

	date := time.Time{}
	if m.InternalDate > 0 {
		date = time.UnixMilli(m.InternalDate).UTC()
	} else if d, err := mail.ParseDate(headers["date"]); err == nil {
		date = d.UTC()
	}

	return sync.FetchedMessage{
		Provider:  sync.ProviderGmail,
		MessageID: m.Id,
		ThreadID:  m.ThreadId,
		From:      headers["from"],
		To:        splitAddrs(headers["to"]),
		Subject:   headers["subject"],
		Snippet:   m.Snippet,
		Date:      date,
	}
}

// splitAddrs parses an address list header, keeping display names out
func splitAddrs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, addr := range list {
			out = append(out, addr.Address)
		}
		return out
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
