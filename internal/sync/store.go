package sync

import (
	"context"
	"time"
)

// InteractionTypeEmail is the interaction type created by reconciliation
const InteractionTypeEmail = "email"

// Connection is a stored OAuth credential pairing a user with a mailbox
type Connection struct {
	ID           int64
	UserID       string
	Provider     ProviderName
	Mailbox      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Cursor       string
	LastSyncAt   *time.Time
	LastStatus   RunState
	LastError    string
	NeedsReauth  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ClientAddress is one known address of a CRM client
type ClientAddress struct {
	ClientID int64
	Email    string
}

// Interaction is a timeline entry derived from an email
type Interaction struct {
	ID                string
	ClientID          int64
	Type              string
	Title             string
	Content           string
	Provider          ProviderName
	ProviderMessageID string
	CreatedBy         string
	CreatedAt         time.Time
}

// ConnectionStore persists one connection per (user, provider)
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string, provider ProviderName) (*Connection, error)
	ListConnections(ctx context.Context, userID string) ([]Connection, error)
	ListAllConnections(ctx context.Context) ([]Connection, error)

	// UpsertConnection stores a freshly authorized connection
	UpsertConnection(ctx context.Context, conn *Connection) error
	DeleteConnection(ctx context.Context, userID string, provider ProviderName) error

	// UpdateTokens persists a refreshed token in a single statement
	UpdateTokens(ctx context.Context, connectionID int64, tok *Token) error
	AdvanceCursor(ctx context.Context, connectionID int64, cursor string, syncedAt time.Time) error
	MarkNeedsReauth(ctx context.Context, connectionID int64) error
	RecordSyncStatus(ctx context.Context, connectionID int64, state RunState, lastError string) error

	// AcquireLease takes the run marker for a connection unless another
	// holder owns an unexpired one
	AcquireLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, connectionID int64, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, connectionID int64, holder string) error
}

// InteractionStore records email interactions
type InteractionStore interface {
	// ExistingMessageIDs returns the subset of ids already recorded for provider
	ExistingMessageIDs(ctx context.Context, provider ProviderName, ids []string) (map[string]bool, error)

	// CreateEmailInteraction stores the interaction and its outbox entry in one
	// transaction. It returns ErrStorageConflict when the provenance key exists.
	CreateEmailInteraction(ctx context.Context, in *Interaction) error
}

// OutboxStore queues interaction events until they are published
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// ClientDirectory lists client addresses for matching
type ClientDirectory interface {
	ListClientAddresses(ctx context.Context) ([]ClientAddress, error)
}

// Store is what a storage backend provides to the sync core
type Store interface {
	ConnectionStore
	InteractionStore
	ClientDirectory
	OutboxStore
	Close() error
}
