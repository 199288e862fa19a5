package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// RunState is the position of a sync run in its state machine
type RunState string

const (
	StateIdle           RunState = "idle"
	StateTokenEnsured   RunState = "token_ensured"
	StateFetching       RunState = "fetching"
	StateReconciling    RunState = "reconciling"
	StateCursorAdvanced RunState = "cursor_advanced"
	StateDone           RunState = "done"
	StateFailed         RunState = "failed"
)

// Summary reports one sync run. A failed run still carries the counts
// collected before the failure.
type Summary struct {
	Provider     ProviderName `json:"provider"`
	State        RunState     `json:"state"`
	MessagesSeen int          `json:"messages_seen"`
	ReconcileResult
	Pages      int           `json:"pages"`
	Truncated  bool          `json:"truncated"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	RetryAfter time.Duration `json:"-"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Runner orchestrates one sync run for a connection:
// token, fetch, reconcile, then cursor advance per page
type Runner struct {
	store      Store
	tokens     *TokenManager
	fetcher    *Fetcher
	reconciler *Reconciler
	now        func() time.Time
	log        logrus.FieldLogger
}

// NewRunner wires the run pipeline over an injected store
func NewRunner(store Store, tokens *TokenManager, fetcher *Fetcher, reconciler *Reconciler, log logrus.FieldLogger) *Runner {
	return &Runner{
		store:      store,
		tokens:     tokens,
		fetcher:    fetcher,
		reconciler: reconciler,
		now:        time.Now,
		log:        log,
	}
}

// RunSync loads the user's connection for provider and syncs it
func (r *Runner) RunSync(ctx context.Context, userID string, provider ProviderName) (*Summary, error) {
	conn, err := r.store.GetConnection(ctx, userID, provider)
	if err != nil {
		sum := r.newSummary(provider)
		return r.fail(ctx, nil, sum, err)
	}
	return r.RunConnection(ctx, conn)
}

// RunConnection syncs conn. The cursor only moves past pages whose messages
// were recorded, so an interrupted run is re-fetched by the next one.
func (r *Runner) RunConnection(ctx context.Context, conn *Connection) (*Summary, error) {
	sum := r.newSummary(conn.Provider)
	log := r.log.WithFields(logrus.Fields{
		"user_id":       conn.UserID,
		"provider":      conn.Provider,
		"connection_id": conn.ID,
	})

	if conn.NeedsReauth {
		return r.fail(ctx, conn, sum, AuthExpired(conn.Provider, 0, errors.New("connection is awaiting re-authorization")))
	}

	token, err := r.tokens.EnsureValidToken(ctx, conn)
	if err != nil {
		return r.fail(ctx, conn, sum, err)
	}
	sum.State = StateTokenEnsured

	addrs, err := r.store.ListClientAddresses(ctx)
	if err != nil {
		return r.fail(ctx, conn, sum, fmt.Errorf("list client addresses: %w", err))
	}
	idx := BuildClientIndex(addrs)

	if conn.Cursor == "" {
		log.Info("starting first sync")
	} else {
		log.Debug("starting incremental sync")
	}

	sum.State = StateFetching
	stats, err := r.fetcher.FetchSince(ctx, conn, token, conn.Cursor, func(b Batch) error {
		// a page already fetched is recorded even if ctx is canceled meanwhile
		wctx := context.WithoutCancel(ctx)

		sum.State = StateReconciling
		sum.MessagesSeen += len(b.Messages)
		res, err := r.reconciler.Reconcile(wctx, conn, b.Messages, idx)
		sum.add(res)
		if err != nil {
			return err
		}

		if b.Cursor != "" {
			if err := r.store.AdvanceCursor(wctx, conn.ID, b.Cursor, r.now()); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
			conn.Cursor = b.Cursor
		}
		sum.State = StateCursorAdvanced

		log.WithFields(logrus.Fields{
			"page":      b.Page,
			"messages":  len(b.Messages),
			"created":   res.Created,
			"skipped":   res.Skipped,
			"unmatched": res.Unmatched,
		}).Debug("page reconciled")
		return nil
	})
	if stats != nil {
		sum.Pages = stats.Pages
		sum.Truncated = stats.Truncated
	}
	if err != nil {
		return r.fail(ctx, conn, sum, err)
	}

	sum.State = StateDone
	sum.FinishedAt = r.now()
	if err := r.store.RecordSyncStatus(context.WithoutCancel(ctx), conn.ID, StateDone, ""); err != nil {
		log.WithError(err).Warn("record sync status")
	}

	log.WithFields(logrus.Fields{
		"messages_seen": sum.MessagesSeen,
		"created":       sum.Created,
		"skipped":       sum.Skipped,
		"unmatched":     sum.Unmatched,
		"pages":         sum.Pages,
		"truncated":     sum.Truncated,
	}).Info("sync complete")
	return sum, nil
}

func (r *Runner) newSummary(provider ProviderName) *Summary {
	return &Summary{Provider: provider, State: StateIdle, StartedAt: r.now()}
}

// fail finalizes sum for err. conn may be nil when it could not be loaded.
func (r *Runner) fail(ctx context.Context, conn *Connection, sum *Summary, err error) (*Summary, error) {
	sum.State = StateFailed
	sum.ErrorKind = ErrorKind(err)
	sum.Error = err.Error()
	sum.FinishedAt = r.now()
	if errors.Is(err, ErrProviderUnavailable) {
		sum.RetryAfter = RetryAfter(err)
		if sum.RetryAfter <= 0 {
			sum.RetryAfter = DefaultRetryAfter
		}
	}

	log := r.log.WithFields(logrus.Fields{
		"provider":   sum.Provider,
		"error_kind": sum.ErrorKind,
		"created":    sum.Created,
		"skipped":    sum.Skipped,
		"unmatched":  sum.Unmatched,
	}).WithError(err)

	if conn == nil {
		log.Warn("sync failed")
		return sum, err
	}
	log = log.WithFields(logrus.Fields{"user_id": conn.UserID, "connection_id": conn.ID})

	wctx := context.WithoutCancel(ctx)
	if errors.Is(err, ErrAuthExpired) && !conn.NeedsReauth {
		if merr := r.store.MarkNeedsReauth(wctx, conn.ID); merr != nil {
			log.WithError(merr).Error("mark connection for re-authorization")
		} else {
			conn.NeedsReauth = true
		}
	}
	if serr := r.store.RecordSyncStatus(wctx, conn.ID, StateFailed, sum.Error); serr != nil {
		log.WithError(serr).Warn("record sync status")
	}

	switch sum.ErrorKind {
	case KindProviderUnavailable, KindCanceled:
		log.Warn("sync stopped early")
	default:
		log.Error("sync failed")
	}
	return sum, err
}
