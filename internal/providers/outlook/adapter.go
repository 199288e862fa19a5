package outlook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/trace-crm/internal/auth"
	"github.com/Martian-dev/trace-crm/internal/providers"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

const (
	inboxFolder     = "inbox"
	sentFolder      = "sentitems"
	defaultPageSize = 50
)

var selectFields = []string{"id", "conversationId", "subject", "from", "toRecipients", "bodyPreview", "receivedDateTime", "isDraft"}

// folderState holds a Graph next link while a delta round is in progress and
// the delta link once it is complete
type folderState struct {
	Link  string `json:"l,omitempty"`
	Delta bool   `json:"d,omitempty"`
}

// cursor tracks one delta query per folder. A round reads the inbox, then
// sent items; Folder is the one being read.
type cursor struct {
	Folder string      `json:"f"`
	Inbox  folderState `json:"i"`
	Sent   folderState `json:"s"`
}

func (c *cursor) state() *folderState {
	if c.Folder == sentFolder {
		return &c.Sent
	}
	return &c.Inbox
}

func (c cursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("invalid outlook cursor: %w", err)
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("invalid outlook cursor: %w", err)
	}
	if c.Folder != inboxFolder && c.Folder != sentFolder {
		return c, fmt.Errorf("invalid outlook cursor folder %q", c.Folder)
	}
	return c, nil
}

// ClientFactory builds a Graph client authorized with accessToken
type ClientFactory func(accessToken string) (*msgraphsdk.GraphServiceClient, error)

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	oauth     *auth.OAuthClient
	newClient ClientFactory
	now       func() time.Time
}

// New creates a new Outlook adapter
func New(oauth *auth.OAuthClient) *Adapter {
	return &Adapter{oauth: oauth, newClient: newGraphClient, now: time.Now}
}

func newGraphClient(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: accessToken}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return client, nil
}

// Name implements sync.MailProvider
func (a *Adapter) Name() sync.ProviderName {
	return sync.ProviderOutlook
}

// FetchPage implements sync.MailProvider using the messages delta query of
// the inbox and the sent items folders
func (a *Adapter) FetchPage(ctx context.Context, accessToken string, req sync.PageRequest) (*sync.Page, error) {
	client, err := a.newClient(accessToken)
	if err != nil {
		return nil, err
	}
	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	cur := cursor{Folder: inboxFolder}
	if req.Cursor != "" {
		if cur, err = decodeCursor(req.Cursor); err != nil {
			return nil, err
		}
	}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", fmt.Sprintf("odata.maxpagesize=%d", req.PageSize))

	delta := client.Me().MailFolders().ByMailFolderId(cur.Folder).Messages().Delta()
	var resp users.ItemMailFoldersItemMessagesDeltaGetResponseable
	if link := cur.state().Link; link == "" {
		resp, err = a.startWindow(ctx, delta, headers, req.Since)
	} else {
		resp, err = delta.WithUrl(link).GetAsDeltaGetResponse(ctx,
			&users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{Headers: headers})
		if isSyncStateExpired(err) {
			resp, err = a.startWindow(ctx, delta, headers, req.Since)
		}
	}
	if err != nil {
		return nil, a.mapError(ctx, err)
	}

	return toPage(cur, resp), nil
}

func (a *Adapter) startWindow(ctx context.Context, delta *users.ItemMailFoldersItemMessagesDeltaRequestBuilder, headers *abstractions.RequestHeaders, since time.Time) (users.ItemMailFoldersItemMessagesDeltaGetResponseable, error) {
	if since.IsZero() {
		since = a.now().Add(-30 * 24 * time.Hour)
	}
	filter := fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339))
	return delta.GetAsDeltaGetResponse(ctx, &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
			Select: selectFields,
			Filter: &filter,
		},
	})
}

// toPage converts one delta response of cur.Folder. Finishing the inbox moves
// the round on to sent items; finishing sent items ends it.
func toPage(cur cursor, resp users.ItemMailFoldersItemMessagesDeltaGetResponseable) *sync.Page {
	page := &sync.Page{}
	for _, m := range resp.GetValue() {
		if skip(m) {
			continue
		}
		page.Messages = append(page.Messages, normalizeOutlook(m))
	}

	st := cur.state()
	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		*st = folderState{Link: *next}
		page.More = true
		page.Cursor = cur.encode()
		return page
	}
	if dl := resp.GetOdataDeltaLink(); dl != nil && *dl != "" {
		*st = folderState{Link: *dl, Delta: true}
	}
	if cur.Folder == inboxFolder {
		cur.Folder = sentFolder
		page.More = true
	} else {
		cur.Folder = inboxFolder
	}
	page.Cursor = cur.encode()
	return page
}

// skip drops removed entries and drafts from a delta page
func skip(m models.Messageable) bool {
	if m == nil || m.GetId() == nil {
		return true
	}
	if _, removed := m.GetAdditionalData()["@removed"]; removed {
		return true
	}
	if d := m.GetIsDraft(); d != nil && *d {
		return true
	}
	return false
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
	client, err := a.newClient(accessToken)
	if err != nil {
		return "", err
	}
	me, err := client.Me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"mail", "userPrincipalName"},
		},
	})
	if err != nil {
		return "", a.mapError(ctx, err)
	}
	if mail := me.GetMail(); mail != nil && *mail != "" {
		return *mail, nil
	}
	if upn := me.GetUserPrincipalName(); upn != nil {
		return *upn, nil
	}
	return "", errors.New("graph profile has no mail address")
}

func isSyncStateExpired(err error) bool {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return false
	}
	if odataErr.ResponseStatusCode == http.StatusGone {
		return true
	}
	if e := odataErr.GetErrorEscaped(); e != nil && e.GetCode() != nil {
		return *e.GetCode() == "syncStateNotFound"
	}
	return false
}

// mapError classifies a Graph failure
func (a *Adapter) mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return sync.Unavailable(sync.ProviderOutlook, 0, 0, err)
	}

	status := odataErr.ResponseStatusCode
	var retryAfter time.Duration
	if odataErr.ResponseHeaders != nil {
		if v := odataErr.ResponseHeaders.Get("Retry-After"); len(v) > 0 {
			retryAfter = providers.ParseRetryAfter(v[0], a.now())
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return sync.AuthExpired(sync.ProviderOutlook, status, err)
	case providers.IsTransientStatus(status):
		return sync.Unavailable(sync.ProviderOutlook, status, retryAfter, err)
	default:
		return fmt.Errorf("graph api: %w", err)
	}
}

// normalizeOutlook converts Outlook message to FetchedMessage
func normalizeOutlook(m models.Messageable) sync.FetchedMessage {
	msg := sync.FetchedMessage{Provider: sync.ProviderOutlook}

	if id := m.GetId(); id != nil {
		msg.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.From = *addr
			}
		}
	}
	if to := m.GetToRecipients(); to != nil {
		msg.To = extractAddresses(to)
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.Date = rcvd.UTC()
	}
	return msg
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential hands the already refreshed access token to the Graph client
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(time.Hour),
	}, nil
}
