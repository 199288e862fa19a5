package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const noSubject = "(no subject)"

// ReconcileResult counts what happened to a set of messages
type ReconcileResult struct {
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Unmatched int `json:"unmatched"`
}

func (r *ReconcileResult) add(o ReconcileResult) {
	r.Created += o.Created
	r.Skipped += o.Skipped
	r.Unmatched += o.Unmatched
}

// Reconciler turns fetched messages into email interactions, at most one per
// (provider, message id)
type Reconciler struct {
	store InteractionStore
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewReconciler creates a reconciler
func NewReconciler(store InteractionStore, log logrus.FieldLogger) *Reconciler {
	return &Reconciler{store: store, now: time.Now, log: log}
}

// Reconcile records msgs for conn. On a storage failure it returns the counts
// accumulated so far together with the error.
func (r *Reconciler) Reconcile(ctx context.Context, conn *Connection, msgs []FetchedMessage, idx *ClientIndex) (ReconcileResult, error) {
	var res ReconcileResult
	if len(msgs) == 0 {
		return res, nil
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.MessageID != "" {
			ids = append(ids, m.MessageID)
		}
	}

	existing, err := r.store.ExistingMessageIDs(ctx, conn.Provider, ids)
	if err != nil {
		return res, fmt.Errorf("lookup existing interactions: %w", err)
	}

	log := r.log.WithFields(logrus.Fields{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
	})

	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.MessageID == "" {
			log.Warn("skipping message without provider id")
			res.Skipped++
			continue
		}
		if existing[m.MessageID] || seen[m.MessageID] {
			res.Skipped++
			continue
		}
		seen[m.MessageID] = true

		match, ok := MatchClient(m, conn.Mailbox, idx)
		if !ok {
			res.Unmatched++
			continue
		}
		if match.Ambiguous() {
			log.WithFields(logrus.Fields{
				"address":    match.Address,
				"client_ids": match.Candidates,
				"client_id":  match.ClientID,
				"message_id": m.MessageID,
			}).Warn("address shared by several clients, using lowest id")
		}

		in := r.interaction(conn, m, match.ClientID)
		if err := r.store.CreateEmailInteraction(ctx, in); err != nil {
			if errors.Is(err, ErrStorageConflict) {
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("create interaction for %s: %w", m.MessageID, err)
		}
		res.Created++
	}

	return res, nil
}

func (r *Reconciler) interaction(conn *Connection, m FetchedMessage, clientID int64) *Interaction {
	title := m.Subject
	if title == "" {
		title = noSubject
	}
	createdAt := m.Date
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	return &Interaction{
		ID:                uuid.NewString(),
		ClientID:          clientID,
		Type:              InteractionTypeEmail,
		Title:             title,
		Content:           m.Snippet,
		Provider:          conn.Provider,
		ProviderMessageID: m.MessageID,
		CreatedBy:         conn.UserID,
		CreatedAt:         createdAt.UTC(),
	}
}
