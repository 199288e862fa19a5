package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/trace-crm/internal/store"
	"github.com/Martian-dev/trace-crm/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Driver names registered by the two SQLite drivers
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, cgo
)

// SQLite limits the number of bound parameters per statement
const maxInParams = 500

var _ sync.Store = (*Store)(nil)

// Store is the SQLite implementation of sync.Store
type Store struct {
	DB *sql.DB
}

// Open opens or creates the database at path with the given driver and
// applies the schema
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{DB: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(driver, path string) string {
	if driver == DriverMattn {
		return path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1"
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

const connectionColumns = `id, user_id, provider, email, access_token, refresh_token, expires_at, cursor,
	last_sync_at, last_sync_status, last_sync_error, needs_reauth, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*sync.Connection, error) {
	var (
		c                    sync.Connection
		provider             string
		refresh, cursor      sql.NullString
		status, lastErr      sql.NullString
		expiresAt, lastSync  sql.NullInt64
		needsReauth          int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.UserID, &provider, &c.Mailbox, &c.AccessToken, &refresh, &expiresAt, &cursor,
		&lastSync, &status, &lastErr, &needsReauth, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Provider = sync.ProviderName(provider)
	c.RefreshToken = refresh.String
	c.ExpiresAt = fromUnix(expiresAt)
	c.Cursor = cursor.String
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		c.LastSyncAt = &t
	}
	c.LastStatus = sync.RunState(status.String)
	c.LastError = lastErr.String
	c.NeedsReauth = needsReauth != 0
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}

func toUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(n.Int64, 0).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// GetConnection loads the connection for (userID, provider)
func (s *Store) GetConnection(ctx context.Context, userID string, provider sync.ProviderName) (*sync.Connection, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+`
		FROM email_connections WHERE user_id = ? AND provider = ?`, userID, string(provider))
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
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
		FROM email_connections WHERE user_id = ? ORDER BY provider`, userID)
}

// ListAllConnections lists every connection, oldest first
func (s *Store) ListAllConnections(ctx context.Context) ([]sync.Connection, error) {
	return s.queryConnections(ctx, `SELECT `+connectionColumns+`
		FROM email_connections ORDER BY id`)
}

func (s *Store) queryConnections(ctx context.Context, query string, args ...any) ([]sync.Connection, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
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

// UpsertConnection stores a freshly authorized connection, replacing the
// tokens of an existing one and clearing its re-authorization flag
func (s *Store) UpsertConnection(ctx context.Context, conn *sync.Connection) error {
	now := time.Now().UTC()
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO email_connections
			(user_id, provider, email, access_token, refresh_token, expires_at, cursor, needs_reauth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			cursor = excluded.cursor,
			needs_reauth = 0,
			last_sync_error = NULL,
			updated_at = excluded.updated_at
		RETURNING id, created_at
	`, conn.UserID, string(conn.Provider), conn.Mailbox, conn.AccessToken, nullString(conn.RefreshToken),
		toUnix(conn.ExpiresAt), nullString(conn.Cursor), now.Unix(), now.Unix()).Scan(&conn.ID, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	conn.NeedsReauth = false
	conn.CreatedAt = time.Unix(createdAt, 0).UTC()
	conn.UpdatedAt = now
	return nil
}

// DeleteConnection removes the connection for (userID, provider)
func (s *Store) DeleteConnection(ctx context.Context, userID string, provider sync.ProviderName) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM email_connections WHERE user_id = ? AND provider = ?`,
		userID, string(provider))
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", sync.ErrConnectionNotFound, provider)
	}
	return nil
}

// UpdateTokens persists a refreshed token. The refresh token is only
// replaced when the provider rotated it.
func (s *Store) UpdateTokens(ctx context.Context, connectionID int64, tok *sync.Token) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_connections
		SET access_token = ?,
		    expires_at = ?,
		    refresh_token = COALESCE(NULLIF(?, ''), refresh_token),
		    updated_at = ?
		WHERE id = ?
	`, tok.AccessToken, toUnix(tok.Expiry), tok.RefreshToken, time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// AdvanceCursor saves sync progress for a connection
func (s *Store) AdvanceCursor(ctx context.Context, connectionID int64, cursor string, syncedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_connections
		SET cursor = ?, last_sync_at = ?, updated_at = ?
		WHERE id = ?
	`, cursor, syncedAt.Unix(), time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// MarkNeedsReauth flags a connection whose refresh token was rejected
func (s *Store) MarkNeedsReauth(ctx context.Context, connectionID int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_connections SET needs_reauth = 1, updated_at = ? WHERE id = ?
	`, time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to mark needs_reauth: %w", err)
	}
	return nil
}

// RecordSyncStatus updates sync status with error info
func (s *Store) RecordSyncStatus(ctx context.Context, connectionID int64, state sync.RunState, lastError string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE email_connections
		SET last_sync_status = ?, last_sync_error = NULLIF(?, ''), updated_at = ?
		WHERE id = ?
	`, string(state), lastError, time.Now().Unix(), connectionID)
	if err != nil {
		return fmt.Errorf("failed to record sync status: %w", err)
	}
	return nil
}

// AcquireLease takes the run marker unless another holder has an unexpired one
func (s *Store) AcquireLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_leases (connection_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE sync_leases.expires_at <= ? OR sync_leases.holder = excluded.holder
	`, connectionID, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return n > 0, nil
}

// RenewLease extends a lease still owned by holder
func (s *Store) RenewLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sync_leases SET expires_at = ? WHERE connection_id = ? AND holder = ?
	`, time.Now().Add(ttl).UnixMilli(), connectionID, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease for connection %d no longer held by %s", connectionID, holder)
	}
	return nil
}

// ReleaseLease drops a lease owned by holder
func (s *Store) ReleaseLease(ctx context.Context, connectionID int64, holder string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sync_leases WHERE connection_id = ? AND holder = ?`,
		connectionID, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// ExistingMessageIDs returns the subset of ids already recorded for provider
func (s *Store) ExistingMessageIDs(ctx context.Context, provider sync.ProviderName, ids []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, chunk := range store.Chunk(ids, maxInParams) {
		args := make([]any, 0, len(chunk)+1)
		args = append(args, string(provider))
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.DB.QueryContext(ctx, `
			SELECT provider_message_id FROM interactions
			WHERE type = 'email' AND provider = ? AND provider_message_id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query interactions: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan interaction: %w", err)
			}
			found[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to query interactions: %w", err)
		}
	}
	return found, nil
}

// CreateEmailInteraction appends the interaction and its outbox entry in a transaction
func (s *Store) CreateEmailInteraction(ctx context.Context, in *sync.Interaction) error {
	msg, err := sync.NewInteractionOutboxMessage(in)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions
			(id, client_id, type, title, content, provider, provider_message_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.ClientID, in.Type, in.Title, in.Content, string(in.Provider), in.ProviderMessageID,
		in.CreatedBy, in.CreatedAt.Unix())
	if err != nil {
		if store.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s/%s", sync.ErrStorageConflict, in.Provider, in.ProviderMessageID)
		}
		return fmt.Errorf("failed to insert interaction: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, msg.Subject, msg.EventType, msg.Payload, msg.MsgID, now)
	if err != nil {
		if store.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", sync.ErrStorageConflict, msg.MsgID)
		}
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListClientAddresses returns the primary address of every client that has one
func (s *Store) ListClientAddresses(ctx context.Context) ([]sync.ClientAddress, error) {
	rows, err := s.DB.QueryContext(ctx, `
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
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
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
	_, err := s.DB.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
