package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/trace-crm/internal/sync"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeGmail struct {
	*http.ServeMux
	messages   map[string]map[string]any
	listCalls  []string
	historyErr int
	history    map[string]any
}

func newFakeGmail() *fakeGmail {
	f := &fakeGmail{ServeMux: http.NewServeMux(), messages: map[string]map[string]any{}}

	f.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"emailAddress": "owner@mycrm.io", "historyId": "500"})
	})
	f.HandleFunc("GET /gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("pageToken")
		f.listCalls = append(f.listCalls, r.URL.Query().Get("q")+"|"+token)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": []map[string]string{{"id": "m3"}, {"id": "gone"}}})
	})
	f.HandleFunc("GET /gmail/v1/users/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeGoogleError(w, http.StatusNotFound, "Requested entity was not found.", "notFound")
			return
		}
		writeJSON(w, http.StatusOK, m)
	})
	f.HandleFunc("GET /gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		if f.historyErr != 0 {
			writeGoogleError(w, f.historyErr, "history expired", "notFound")
			return
		}
		writeJSON(w, http.StatusOK, f.history)
	})
	return f
}

func (f *fakeGmail) addMessage(id, from, to string, labels ...string) {
	f.messages[id] = map[string]any{
		"id":           id,
		"threadId":     "t-" + id,
		"labelIds":     labels,
		"snippet":      "snippet " + id,
		"internalDate": fmt.Sprint(testNow.Add(-time.Hour).UnixMilli()),
		"payload": map[string]any{
			"headers": []map[string]string{
				{"name": "From", "value": from},
				{"name": "To", "value": to},
				{"name": "Subject", "value": "subject " + id},
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeGoogleError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		},
	})
}

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New(nil, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	a.now = func() time.Time { return testNow }
	return a
}

func TestFetchPage_FirstSyncWalksWindow(t *testing.T) {
	f := newFakeGmail()
	f.addMessage("m1", "Alice <alice@corp.com>", "owner@mycrm.io", "INBOX")
	f.addMessage("m2", "owner@mycrm.io", "alice@corp.com", "DRAFT")
	f.addMessage("m3", "owner@mycrm.io", "Bob <bob@corp.com>, carol@corp.com", "SENT")
	a := newTestAdapter(t, f)

	since := testNow.Add(-720 * time.Hour)
	page, err := a.FetchPage(context.Background(), "token", sync.PageRequest{Since: since, PageSize: 2})
	require.NoError(t, err)

	assert.True(t, page.More)
	require.Len(t, page.Messages, 1)
	got := page.Messages[0]
	assert.Equal(t, sync.ProviderGmail, got.Provider)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "t-m1", got.ThreadID)
	assert.Equal(t, "Alice <alice@corp.com>", got.From)
	assert.Equal(t, []string{"owner@mycrm.io"}, got.To)
	assert.Equal(t, "subject m1", got.Subject)
	assert.Equal(t, testNow.Add(-time.Hour), got.Date)

	cur, err := decodeCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, cursor{Mode: modeList, HistoryID: 500, PageToken: "p2", After: since.Unix()}, cur)

	page, err = a.FetchPage(context.Background(), "token", sync.PageRequest{Cursor: page.Cursor, PageSize: 2})
	require.NoError(t, err)

	assert.False(t, page.More)
	require.Len(t, page.Messages, 1, "deleted messages are dropped")
	assert.Equal(t, []string{"bob@corp.com", "carol@corp.com"}, page.Messages[0].To)

	cur, err = decodeCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, cursor{Mode: modeHistory, HistoryID: 500}, cur)

	q := fmt.Sprintf("after:%d", since.Unix())
	assert.Equal(t, []string{q + "|", q + "|p2"}, f.listCalls)
}

func TestFetchPage_History(t *testing.T) {
	f := newFakeGmail()
	f.addMessage("m4", "dave@corp.com", "owner@mycrm.io", "INBOX")
	f.history = map[string]any{
		"historyId": "520",
		"history": []map[string]any{
			{"id": "501", "messagesAdded": []map[string]any{{"message": map[string]any{"id": "m4", "labelIds": []string{"INBOX"}}}}},
			{"id": "502", "messagesAdded": []map[string]any{
				{"message": map[string]any{"id": "m4", "labelIds": []string{"INBOX"}}},
				{"message": map[string]any{"id": "m5", "labelIds": []string{"SPAM"}}},
			}},
		},
	}
	a := newTestAdapter(t, f)

	start := cursor{Mode: modeHistory, HistoryID: 500}.encode()
	page, err := a.FetchPage(context.Background(), "token", sync.PageRequest{Cursor: start})
	require.NoError(t, err)

	assert.False(t, page.More)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m4", page.Messages[0].MessageID)

	cur, err := decodeCursor(page.Cursor)
	require.NoError(t, err)
	assert.Equal(t, uint64(520), cur.HistoryID)
	assert.Empty(t, f.listCalls)
}

func TestFetchPage_ExpiredHistoryRescansWindow(t *testing.T) {
	f := newFakeGmail()
	f.historyErr = http.StatusNotFound
	a := newTestAdapter(t, f)

	since := testNow.Add(-24 * time.Hour)
	start := cursor{Mode: modeHistory, HistoryID: 10}.encode()
	page, err := a.FetchPage(context.Background(), "token", sync.PageRequest{Cursor: start, Since: since})
	require.NoError(t, err)

	assert.True(t, page.More)
	require.Len(t, f.listCalls, 1)
	assert.Equal(t, fmt.Sprintf("after:%d|", since.Unix()), f.listCalls[0])
}

func TestFetchPage_ErrorsFromAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		writeGoogleError(w, http.StatusTooManyRequests, "Too many requests", "rateLimitExceeded")
	})
	a := newTestAdapter(t, mux)

	_, err := a.FetchPage(context.Background(), "token", sync.PageRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrProviderUnavailable)
	assert.Equal(t, 30*time.Second, sync.RetryAfter(err))
}

func TestFetchPage_InvalidCursor(t *testing.T) {
	a := newTestAdapter(t, newFakeGmail())

	_, err := a.FetchPage(context.Background(), "token", sync.PageRequest{Cursor: "!!!"})
	assert.ErrorContains(t, err, "invalid gmail cursor")
}

func TestMailboxAddress(t *testing.T) {
	a := newTestAdapter(t, newFakeGmail())

	addr, err := a.MailboxAddress(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, "owner@mycrm.io", addr)
}

func TestMapError(t *testing.T) {
	a := &Adapter{now: func() time.Time { return testNow }}
	withRetry := http.Header{}
	withRetry.Set("Retry-After", "45")

	tests := []struct {
		name       string
		err        error
		kind       error
		retryAfter time.Duration
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, sync.ErrAuthExpired, 0},
		{"throttled", &googleapi.Error{Code: 429, Header: withRetry}, sync.ErrProviderUnavailable, 45 * time.Second},
		{"server error", &googleapi.Error{Code: 503}, sync.ErrProviderUnavailable, 0},
		{"rate limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, sync.ErrProviderUnavailable, 0},
		{"rate limit message", &googleapi.Error{Code: 403, Message: "Rate Limit Exceeded"}, sync.ErrProviderUnavailable, 0},
		{"scope revoked", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, sync.ErrAuthExpired, 0},
		{"transport", errors.New("connection reset"), sync.ErrProviderUnavailable, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.mapError(context.Background(), tt.err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.retryAfter, sync.RetryAfter(err))
		})
	}

	err := a.mapError(context.Background(), &googleapi.Error{Code: 400})
	assert.NotErrorIs(t, err, sync.ErrAuthExpired)
	assert.NotErrorIs(t, err, sync.ErrProviderUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.mapError(ctx, errors.New("request canceled")), context.Canceled)
}

func TestNormalize_FallsBackToDateHeader(t *testing.T) {
	m := &gmail.Message{
		Id: "m9",
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
			{Name: "date", Value: "Tue, 30 Apr 2024 09:15:00 +0200"},
			{Name: "FROM", Value: "x@corp.com"},
		}},
	}

	got := normalize(m)
	assert.Equal(t, time.Date(2024, 4, 30, 7, 15, 0, 0, time.UTC), got.Date)
	assert.Equal(t, "x@corp.com", got.From)
	assert.Nil(t, got.To)

	assert.True(t, normalize(&gmail.Message{Id: "m10"}).Date.IsZero())
}

func TestSplitAddrs(t *testing.T) {
	assert.Nil(t, splitAddrs("  "))
	assert.Equal(t, []string{"ann@x.io", "bob@y.io"}, splitAddrs(`"Ann" <ann@x.io>, bob@y.io`))
	assert.Equal(t, []string{"ann@x.io", "<broken"}, splitAddrs("ann@x.io, <broken"))
}

func TestDecodeCursor(t *testing.T) {
	c := cursor{Mode: modeList, HistoryID: 7, PageToken: "tok", After: 1700000000}
	got, err := decodeCursor(c.encode())
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = decodeCursor(base64.RawURLEncoding.EncodeToString([]byte(`{"m":"other"}`)))
	assert.ErrorContains(t, err, "mode")

	_, err = decodeCursor(base64.RawURLEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)
}
