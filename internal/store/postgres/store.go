package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Martian-dev/trace-crm/internal/store"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

var _ sync.Store = (*Store)(nil)

// Store is the PostgreSQL implementation of sync.Store
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to the database at connString and applies the schema
func Open(ctx context.Context, connString string) (*Store, error) {
	if connString == "" {
		return nil, fmt.Errorf("database.dsn not configured")
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{Pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the pool
func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

const connectionColumns = `id, user_id, provider, email, access_token, refresh_token, expires_at, cursor,
	last_sync_at, last_sync_status, last_sync_error, needs_reauth, created_at, updated_at`

func scanConnection(row pgx.Row) (*sync.Connection, error) {
	var (
		c               sync.Connection
		provider        string
		refresh, cursor *string
		status, lastErr *string
		expiresAt       *time.Time
	)
	err := row.Scan(&c.ID, &c.UserID, &provider, &c.Mailbox, &c.AccessToken, &refresh, &expiresAt, &cursor,
		&c.LastSyncAt, &status, &lastErr, &c.NeedsReauth, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Provider = sync.ProviderName(provider)
	c.RefreshToken = deref(refresh)
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	c.Cursor = deref(cursor)
	c.LastStatus = sync.RunState(deref(status))
	c.LastError = deref(lastErr)
	return &c, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// GetConnection loads the connection for (userID, provider)
func (s *Store) GetConnection(ctx context.Context, userID string, provider sync.ProviderName) (*sync.Connection, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+connectionColumns+`
		FROM email_connections WHERE user_id = $1 AND provider = $2`, userID, string(provider))
	c, err := scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", sync.ErrConnectionNotFound, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return c, nil
}

// ListConnections lists a user's connections
func (s *Store) ListConnections(ctx context.Context, userID string) ([]sync.Connection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+`
		FROM email_connections WHERE user_id = $1 ORDER BY provider`, userID)
}

// ListAllConnections lists every connection, oldest first
func (s *Store) ListAllConnections(ctx context.Context) ([]sync.Connection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+` FROM email_connections ORDER BY id`)
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]sync.Connection, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []sync.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

// UpsertConnection stores a freshly authorized connection
func (s *Store) UpsertConnection(ctx context.Context, conn *sync.Connection) error {
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO email_connections
			(user_id, provider, email, access_token, refresh_token, expires_at, cursor, needs_reauth)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			email = EXCLUDED.email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			cursor = EXCLUDED.cursor,
			needs_reauth = FALSE,
			last_sync_error = NULL,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`, conn.UserID, string(conn.Provider), conn.Mailbox, conn.AccessToken, nullable(conn.RefreshToken),
		nullableTime(conn.ExpiresAt), nullable(conn.Cursor)).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	conn.NeedsReauth = false
	return nil
}

// DeleteConnection removes the connection for (userID, provider)
func (s *Store) DeleteConnection(ctx context.Context, userID string, provider sync.ProviderName) error {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM email_connections WHERE user_id = $1 AND provider = $2`,
		userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", sync.ErrConnectionNotFound, provider)
	}
	return nil
}

// UpdateTokens persists a refreshed token in one statement
func (s *Store) UpdateTokens(ctx context.Context, connectionID int64, tok *sync.Token) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE email_connections
		SET access_token = $1,
		    expires_at = $2,
		    refresh_token = COALESCE($3, refresh_token),
		    updated_at = now()
		WHERE id = $4
	`, tok.AccessToken, nullableTime(tok.Expiry), nullable(tok.RefreshToken), connectionID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// AdvanceCursor saves sync progress for a connection
func (s *Store) AdvanceCursor(ctx context.Context, connectionID int64, cursor string, syncedAt time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE email_connections SET cursor = $1, last_sync_at = $2, updated_at = now() WHERE id = $3
	`, cursor, syncedAt, connectionID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags a connection whose refresh token was rejected
func (s *Store) MarkNeedsReauth(ctx context.Context, connectionID int64) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE email_connections SET needs_reauth = TRUE, updated_at = now() WHERE id = $1
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark needs_reauth: %w", err)
	}
	return nil
}

// RecordSyncStatus updates sync status with error info
func (s *Store) RecordSyncStatus(ctx context.Context, connectionID int64, state sync.RunState, lastError string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE email_connections
		SET last_sync_status = $1, last_sync_error = $2, updated_at = now()
		WHERE id = $3
	`, string(state), nullable(lastError), connectionID)
	if err != nil {
		return fmt.Errorf("failed to record sync status: %w", err)
	}
	return nil
}

// AcquireLease takes the run marker unless another holder has an unexpired one
func (s *Store) AcquireLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_leases (connection_id, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (connection_id) DO UPDATE SET
			holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at
		WHERE sync_leases.expires_at <= $4 OR sync_leases.holder = EXCLUDED.holder
	`, connectionID, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLease extends a lease still owned by holder
func (s *Store) RenewLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sync_leases SET expires_at = $1 WHERE connection_id = $2 AND holder = $3
	`, time.Now().Add(ttl), connectionID, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lease for connection %d no longer held by %s", connectionID, holder)
	}
	return nil
}

// ReleaseLease drops a lease owned by holder
func (s *Store) ReleaseLease(ctx context.Context, connectionID int64, holder string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM sync_leases WHERE connection_id = $1 AND holder = $2`,
		connectionID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ExistingMessageIDs returns the subset of ids already recorded for provider
func (s *Store) ExistingMessageIDs(ctx context.Context, provider sync.ProviderName, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.Pool.Query(ctx, `
		SELECT provider_message_id FROM interactions
		WHERE type = 'email' AND provider = $1 AND provider_message_id = ANY($2)
	`, string(provider), ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// CreateEmailInteraction appends the interaction and its outbox entry in a transaction
func (s *Store) CreateEmailInteraction(ctx context.Context, in *sync.Interaction) error {
	msg, err := sync.NewInteractionOutboxMessage(in)
	if err != nil {
		return err
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO interactions
			(id, client_id, type, title, content, provider, provider_message_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, in.ID, in.ClientID, in.Type, in.Title, in.Content, string(in.Provider), in.ProviderMessageID,
		in.CreatedBy, in.CreatedAt)
	if err != nil {
		if store.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", sync.ErrStorageConflict, in.Provider, in.ProviderMessageID)
		}
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (subject, event_type, payload, msg_id) VALUES ($1, $2, $3, $4)
	`, msg.Subject, msg.EventType, msg.Payload, msg.MsgID)
	if err != nil {
		if store.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", sync.ErrStorageConflict, msg.MsgID)
		}
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListClientAddresses returns the primary address of every client that has one
func (s *Store) ListClientAddresses(ctx context.Context) ([]sync.ClientAddress, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, email FROM clients
		WHERE email IS NOT NULL AND trim(email) <> ''
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query clients: %w", err)
	}
	defer rows.Close()

	var addrs []sync.ClientAddress
	for rows.Next() {
		var a sync.ClientAddress
		if err := rows.Scan(&a.ClientID, &a.Email); err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]sync.OutboxMessage, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= now()
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []sync.OutboxMessage
	for rows.Next() {
		var msg sync.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	if _, err := s.Pool.Exec(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = $1 WHERE id = $2
	`, time.Now().Add(backoff), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
