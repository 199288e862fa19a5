package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Martian-dev/trace-crm/internal/logging"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type lease struct {
	holder  string
	expires time.Time
}

// memStore is an in-memory Store with the same uniqueness rules as the SQL schema
type memStore struct {
	mu  sync.Mutex
	now func() time.Time

	conns      map[int64]*Connection
	nextConnID int64
	clients    []ClientAddress

	interactions map[string]*Interaction
	outbox       []OutboxMessage
	published    map[int64]bool
	retried      map[int64]time.Duration
	leases       map[int64]lease

	createCalls  int
	failCreateOn int // fail the n-th CreateEmailInteraction call, 0 never
	createErr    error
	onCreate     func() // called before every CreateEmailInteraction
	advances     []string
	tokenUpdates int
	statuses     []RunState
}

func newMemStore() *memStore {
	return &memStore{
		now:          func() time.Time { return testNow },
		conns:        make(map[int64]*Connection),
		interactions: make(map[string]*Interaction),
		published:    make(map[int64]bool),
		retried:      make(map[int64]time.Duration),
		leases:       make(map[int64]lease),
	}
}

func provenance(p ProviderName, id string) string {
	return string(p) + "|" + id
}

func (s *memStore) addConnection(c Connection) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnID++
	c.ID = s.nextConnID
	s.conns[c.ID] = &c
	cp := c
	return &cp
}

func (s *memStore) connection(id int64) Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.conns[id]
}

func (s *memStore) interactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interactions)
}

func (s *memStore) interaction(p ProviderName, id string) *Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactions[provenance(p, id)]
}

func (s *memStore) find(userID string, provider ProviderName) *Connection {
	for _, c := range s.conns {
		if c.UserID == userID && c.Provider == provider {
			return c
		}
	}
	return nil
}

func (s *memStore) GetConnection(_ context.Context, userID string, provider ProviderName) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(userID, provider)
	if c == nil {
		return nil, ErrConnectionNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListConnections(_ context.Context, userID string) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Connection
	for _, c := range s.conns {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) ListAllConnections(_ context.Context) ([]Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.conns))
	for id := int64(1); id <= s.nextConnID; id++ {
		if c, ok := s.conns[id]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) UpsertConnection(_ context.Context, conn *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.find(conn.UserID, conn.Provider); c != nil {
		c.Mailbox = conn.Mailbox
		c.AccessToken = conn.AccessToken
		c.RefreshToken = conn.RefreshToken
		c.ExpiresAt = conn.ExpiresAt
		c.Cursor = conn.Cursor
		c.NeedsReauth = false
		c.UpdatedAt = s.now()
		conn.ID = c.ID
		conn.CreatedAt = c.CreatedAt
		return nil
	}
	s.nextConnID++
	cp := *conn
	cp.ID = s.nextConnID
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.conns[cp.ID] = &cp
	conn.ID = cp.ID
	conn.CreatedAt = cp.CreatedAt
	return nil
}

func (s *memStore) DeleteConnection(_ context.Context, userID string, provider ProviderName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(userID, provider)
	if c == nil {
		return ErrConnectionNotFound
	}
	delete(s.conns, c.ID)
	delete(s.leases, c.ID)
	return nil
}

func (s *memStore) UpdateTokens(_ context.Context, id int64, tok *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	c.AccessToken = tok.AccessToken
	c.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	s.tokenUpdates++
	return nil
}

func (s *memStore) AdvanceCursor(_ context.Context, id int64, cursor string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return ErrConnectionNotFound
	}
	c.Cursor = cursor
	c.LastSyncAt = &syncedAt
	s.advances = append(s.advances, cursor)
	return nil
}

func (s *memStore) MarkNeedsReauth(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		c.NeedsReauth = true
	}
	return nil
}

func (s *memStore) RecordSyncStatus(_ context.Context, id int64, state RunState, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[id]; ok {
		c.LastStatus = state
		c.LastError = lastError
	}
	s.statuses = append(s.statuses, state)
	return nil
}

func (s *memStore) AcquireLease(_ context.Context, id int64, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.holder != holder && l.expires.After(s.now()) {
		return false, nil
	}
	s.leases[id] = lease{holder: holder, expires: s.now().Add(ttl)}
	return true, nil
}

func (s *memStore) RenewLease(_ context.Context, id int64, holder string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.holder != holder {
		return fmt.Errorf("lease for connection %d lost", id)
	}
	l.expires = s.now().Add(ttl)
	s.leases[id] = l
	return nil
}

func (s *memStore) ReleaseLease(_ context.Context, id int64, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[id]; ok && l.holder == holder {
		delete(s.leases, id)
	}
	return nil
}

func (s *memStore) ExistingMessageIDs(_ context.Context, provider ProviderName, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.interactions[provenance(provider, id)]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *memStore) CreateEmailInteraction(_ context.Context, in *Interaction) error {
	if s.onCreate != nil {
		s.onCreate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.failCreateOn > 0 && s.createCalls == s.failCreateOn {
		return s.createErr
	}
	key := provenance(in.Provider, in.ProviderMessageID)
	if _, ok := s.interactions[key]; ok {
		return ErrStorageConflict
	}
	msg, err := NewInteractionOutboxMessage(in)
	if err != nil {
		return err
	}
	cp := *in
	s.interactions[key] = &cp
	msg.ID = int64(len(s.outbox) + 1)
	s.outbox = append(s.outbox, msg)
	return nil
}

func (s *memStore) ListClientAddresses(_ context.Context) ([]ClientAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ClientAddress(nil), s.clients...), nil
}

func (s *memStore) DequeueOutbox(_ context.Context, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []OutboxMessage
	for _, m := range s.outbox {
		if s.published[m.ID] {
			continue
		}
		if _, waiting := s.retried[m.ID]; waiting {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published[id] = true
	return nil
}

func (s *memStore) MarkOutboxRetry(_ context.Context, id int64, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried[id] = backoff
	return nil
}

func (s *memStore) Close() error { return nil }

// fakeProvider serves scripted pages keyed by the incoming cursor
type fakeProvider struct {
	name ProviderName

	mu         sync.Mutex
	pages      map[string]*Page
	errs       []error // returned first, one per call
	calls      []PageRequest
	refreshTok *Token
	refreshErr error
	refreshed  int

	exchangeTok *Token
	mailbox     string

	started chan struct{} // receives once per FetchPage when set
	block   chan struct{} // FetchPage waits on it when set
}

func newFakeProvider(name ProviderName) *fakeProvider {
	return &fakeProvider{name: name, pages: make(map[string]*Page)}
}

func (p *fakeProvider) Name() ProviderName { return p.name }

func (p *fakeProvider) FetchPage(ctx context.Context, _ string, req PageRequest) (*Page, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	page := p.pages[req.Cursor]
	started, block := p.started, p.block
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &Page{Cursor: req.Cursor}, nil
	}
	cp := *page
	return &cp, nil
}

func (p *fakeProvider) RefreshToken(_ context.Context, _ string) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed++
	if p.refreshErr != nil {
		return nil, p.refreshErr
	}
	return p.refreshTok, nil
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://auth.example.com/?state=" + state
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (*Token, error) {
	if code == "bad" {
		return nil, AuthExpired(p.name, 400, errors.New("invalid_grant"))
	}
	return p.exchangeTok, nil
}

func (p *fakeProvider) MailboxAddress(_ context.Context, _ string) (string, error) {
	return p.mailbox, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type harness struct {
	store    *memStore
	provider *fakeProvider
	tokens   *TokenManager
	fetcher  *Fetcher
	runner   *Runner
	manager  *Manager
}

func newHarness(t *testing.T, cfg FetcherConfig) *harness {
	t.Helper()
	log := logging.Discard()
	st := newMemStore()
	fp := newFakeProvider(ProviderGmail)
	providers := Providers{ProviderGmail: fp}

	if cfg.RequestsPerSecond == 0 {
		cfg.RequestsPerSecond = 1000
	}
	tokens := NewTokenManager(st, providers, time.Minute, log)
	tokens.now = st.now
	fetcher := NewFetcher(providers, cfg, log)
	fetcher.now = st.now
	reconciler := NewReconciler(st, log)
	reconciler.now = st.now
	runner := NewRunner(st, tokens, fetcher, reconciler, log)
	runner.now = st.now

	return &harness{
		store:    st,
		provider: fp,
		tokens:   tokens,
		fetcher:  fetcher,
		runner:   runner,
		manager:  NewManager(st, runner, providers, time.Minute, log),
	}
}

// gmailConnection stores a ready-to-sync connection with a long-lived token
func (h *harness) gmailConnection(cursor string) *Connection {
	return h.store.addConnection(Connection{
		UserID:       "user-1",
		Provider:     ProviderGmail,
		Mailbox:      "owner@mycrm.io",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    testNow.Add(time.Hour),
		Cursor:       cursor,
	})
}

func msg(id, from string, to ...string) FetchedMessage {
	return FetchedMessage{
		Provider:  ProviderGmail,
		MessageID: id,
		From:      from,
		To:        to,
		Subject:   "subject " + id,
		Snippet:   "snippet " + id,
		Date:      testNow.Add(-time.Hour),
	}
}

// running reports whether the manager has a run in flight for connID
func (h *harness) running(connID int64) bool {
	h.manager.runnersMutex.RLock()
	defer h.manager.runnersMutex.RUnlock()
	_, ok := h.manager.runners[connID]
	return ok
}
