package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultLeaseTTL bounds how long a crashed run can block its connection
const DefaultLeaseTTL = 10 * time.Minute

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs syncs so that each connection has at most one run in flight,
// both within this process and across processes sharing the store.
type Manager struct {
	store     Store
	runner    *Runner
	providers Providers
	holder    string
	leaseTTL  time.Duration
	log       logrus.FieldLogger

	runners      map[int64]*runHandle
	runnersMutex sync.RWMutex
}

// NewManager creates sync manager
func NewManager(store Store, runner *Runner, providers Providers, leaseTTL time.Duration, log logrus.FieldLogger) *Manager {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	host, _ := os.Hostname()
	return &Manager{
		store:     store,
		runner:    runner,
		providers: providers,
		holder:    fmt.Sprintf("%s/%s", host, uuid.NewString()),
		leaseTTL:  leaseTTL,
		log:       log,
		runners:   make(map[int64]*runHandle),
	}
}

// Sync runs one sync for the user's provider connection and waits for it.
// A second trigger while a run is in flight returns ErrSyncInProgress.
func (m *Manager) Sync(ctx context.Context, userID string, provider ProviderName) (*Summary, error) {
	if _, err := m.providers.Get(provider); err != nil {
		return m.rejected(provider, err)
	}
	conn, err := m.store.GetConnection(ctx, userID, provider)
	if err != nil {
		return m.rejected(provider, err)
	}
	return m.run(ctx, conn)
}

func (m *Manager) run(ctx context.Context, conn *Connection) (*Summary, error) {
	m.runnersMutex.Lock()
	if _, exists := m.runners[conn.ID]; exists {
		m.runnersMutex.Unlock()
		return m.rejected(conn.Provider, ErrSyncInProgress)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	m.runners[conn.ID] = h
	m.runnersMutex.Unlock()

	log := m.log.WithFields(logrus.Fields{
		"user_id":       conn.UserID,
		"provider":      conn.Provider,
		"connection_id": conn.ID,
	})

	defer func() {
		cancel()
		m.runnersMutex.Lock()
		delete(m.runners, conn.ID)
		m.runnersMutex.Unlock()
		close(h.done)
	}()

	ok, err := m.store.AcquireLease(ctx, conn.ID, m.holder, m.leaseTTL)
	if err != nil {
		return m.rejected(conn.Provider, fmt.Errorf("acquire sync lease: %w", err))
	}
	if !ok {
		return m.rejected(conn.Provider, ErrSyncInProgress)
	}
	defer func() {
		if err := m.store.ReleaseLease(context.WithoutCancel(ctx), conn.ID, m.holder); err != nil {
			log.WithError(err).Warn("release sync lease")
		}
	}()

	stopRenew := m.renewLease(runCtx, conn.ID, log)
	defer stopRenew()

	// conn may predate the lease; a reconnect since then replaced its
	// mailbox, tokens or cursor
	fresh, err := m.store.GetConnection(ctx, conn.UserID, conn.Provider)
	if err != nil {
		return m.rejected(conn.Provider, err)
	}
	if fresh.ID != conn.ID {
		return m.rejected(conn.Provider, ErrConnectionNotFound)
	}

	log.Debug("sync start")
	return m.runner.RunConnection(runCtx, fresh)
}

// renewLease keeps the lease alive while a run is going
func (m *Manager) renewLease(ctx context.Context, connID int64, log logrus.FieldLogger) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.store.RenewLease(ctx, connID, m.holder, m.leaseTTL); err != nil {
					log.WithError(err).Warn("renew sync lease")
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (m *Manager) rejected(provider ProviderName, err error) (*Summary, error) {
	now := m.runner.now()
	return &Summary{
		Provider:   provider,
		State:      StateFailed,
		ErrorKind:  ErrorKind(err),
		Error:      err.Error(),
		StartedAt:  now,
		FinishedAt: now,
	}, err
}

// Connect completes OAuth onboarding: it exchanges code, resolves the mailbox
// and stores the connection. Reconnecting the same mailbox keeps its cursor.
func (m *Manager) Connect(ctx context.Context, userID string, provider ProviderName, code string) (*Connection, error) {
	connector, err := m.providers.Connector(provider)
	if err != nil {
		return nil, err
	}

	tok, err := connector.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	mailbox, err := connector.MailboxAddress(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("resolve mailbox address: %w", err)
	}

	conn := &Connection{
		UserID:       userID,
		Provider:     provider,
		Mailbox:      mailbox,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	prev, err := m.store.GetConnection(ctx, userID, provider)
	switch {
	case errors.Is(err, ErrConnectionNotFound):
	case err != nil:
		return nil, err
	default:
		if NormalizeAddress(prev.Mailbox) == NormalizeAddress(mailbox) {
			conn.Cursor = prev.Cursor
		}
		if conn.RefreshToken == "" {
			conn.RefreshToken = prev.RefreshToken
		}
	}

	if err := m.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"user_id":  userID,
		"provider": provider,
		"mailbox":  mailbox,
	}).Info("mailbox connected")
	return conn, nil
}

// AuthCodeURL returns the provider consent URL carrying state
func (m *Manager) AuthCodeURL(provider ProviderName, state string) (string, error) {
	connector, err := m.providers.Connector(provider)
	if err != nil {
		return "", err
	}
	return connector.AuthCodeURL(state), nil
}

// Connections lists the user's mailbox connections
func (m *Manager) Connections(ctx context.Context, userID string) ([]Connection, error) {
	return m.store.ListConnections(ctx, userID)
}

// Disconnect stops any run for the connection at its next page boundary and
// deletes the connection
func (m *Manager) Disconnect(ctx context.Context, userID string, provider ProviderName) error {
	conn, err := m.store.GetConnection(ctx, userID, provider)
	if err != nil {
		return err
	}

	if done := m.cancel(conn.ID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := m.store.DeleteConnection(ctx, userID, provider); err != nil {
		return err
	}
	m.runner.fetcher.Forget(conn.ID)
	m.log.WithFields(logrus.Fields{"user_id": userID, "provider": provider}).Info("mailbox disconnected")
	return nil
}

// cancel stops the run for a connection. The returned channel is closed once
// the run has returned; it is nil when nothing was running.
func (m *Manager) cancel(connID int64) <-chan struct{} {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	h, exists := m.runners[connID]
	if !exists {
		return nil
	}
	h.cancel()
	return h.done
}

// StopAll cancels every running sync
func (m *Manager) StopAll() {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	for id, h := range m.runners {
		m.log.WithField("connection_id", id).Info("stopping sync")
		h.cancel()
	}
}

// PollOnce syncs every connection not awaiting re-authorization, at most
// concurrency at a time. Failures are logged per connection.
func (m *Manager) PollOnce(ctx context.Context, concurrency int) error {
	conns, err := m.store.ListAllConnections(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range conns {
		conn := conns[i]
		if conn.NeedsReauth {
			continue
		}
		if _, err := m.providers.Get(conn.Provider); err != nil {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			sum, err := m.run(ctx, &conn)
			if err != nil && !errors.Is(err, ErrSyncInProgress) {
				m.log.WithFields(logrus.Fields{
					"connection_id": conn.ID,
					"error_kind":    sum.ErrorKind,
				}).WithError(err).Warn("scheduled sync failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// Poll runs PollOnce every interval until ctx is done
func (m *Manager) Poll(ctx context.Context, interval time.Duration, concurrency int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("stopping sync poller")
			return
		case <-ticker.C:
			if err := m.PollOnce(ctx, concurrency); err != nil {
				m.log.WithError(err).Error("poll connections")
			}
		}
	}
}
