package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// FetcherConfig bounds a single run's provider traffic
type FetcherConfig struct {
	FirstSyncWindow   time.Duration // how far back a never-synced connection looks
	MaxPages          int           // page requests per run
	PageSize          int
	RequestsPerSecond float64       // page requests per connection
	BreakerTimeout    time.Duration // how long an open breaker rejects calls
}

// DefaultFetcherConfig returns the defaults used when config leaves values unset
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		FirstSyncWindow:   30 * 24 * time.Hour,
		MaxPages:          10,
		PageSize:          100,
		RequestsPerSecond: 5,
		BreakerTimeout:    60 * time.Second,
	}
}

// Batch is one fetched page. Cursor may be persisted once Messages are recorded.
type Batch struct {
	Page     int
	Messages []FetchedMessage
	Cursor   string
}

// FetchStats describes what a FetchSince call did
type FetchStats struct {
	Pages     int
	Messages  int
	Truncated bool // page bound reached, the last cursor is a continuation
}

// Fetcher pulls messages newer than a cursor, page by page
type Fetcher struct {
	providers Providers
	cfg       FetcherConfig
	now       func() time.Time
	log       logrus.FieldLogger

	// guards are per connection: one mailbox being throttled or failing
	// must not hold back the others
	mu     sync.Mutex
	guards map[int64]*connGuard
}

type connGuard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewFetcher creates a fetcher
func NewFetcher(providers Providers, cfg FetcherConfig, log logrus.FieldLogger) *Fetcher {
	def := DefaultFetcherConfig()
	if cfg.FirstSyncWindow <= 0 {
		cfg.FirstSyncWindow = def.FirstSyncWindow
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	return &Fetcher{
		providers: providers,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
		guards:    make(map[int64]*connGuard),
	}
}

// FetchSince hands every page newer than cursor to handle, in order. It stops at
// the first provider error, handler error, cancellation or after MaxPages pages.
// Batches handed over before an error stay valid.
func (f *Fetcher) FetchSince(ctx context.Context, conn *Connection, accessToken, cursor string, handle func(Batch) error) (*FetchStats, error) {
	provider, err := f.providers.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	req := PageRequest{
		Mailbox:  conn.Mailbox,
		Cursor:   cursor,
		Since:    f.now().Add(-f.cfg.FirstSyncWindow),
		PageSize: f.cfg.PageSize,
	}

	stats := &FetchStats{}
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if stats.Pages >= f.cfg.MaxPages {
			stats.Truncated = true
			return stats, nil
		}

		page, err := f.fetchPage(ctx, conn, provider, accessToken, req)
		if err != nil {
			return stats, err
		}
		stats.Pages++
		stats.Messages += len(page.Messages)

		if err := handle(Batch{Page: stats.Pages, Messages: page.Messages, Cursor: page.Cursor}); err != nil {
			return stats, err
		}

		if !page.More {
			return stats, nil
		}
		if page.Cursor == "" || page.Cursor == req.Cursor {
			return stats, fmt.Errorf("%s returned a continuation without advancing the cursor", provider.Name())
		}
		req.Cursor = page.Cursor
	}
}

func (f *Fetcher) fetchPage(ctx context.Context, conn *Connection, provider MailProvider, accessToken string, req PageRequest) (*Page, error) {
	g := f.guard(conn)

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	res, err := g.breaker.Execute(func() (interface{}, error) {
		return provider.FetchPage(ctx, accessToken, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Unavailable(provider.Name(), 0, f.cfg.BreakerTimeout, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(*Page), nil
}

func (f *Fetcher) guard(conn *Connection) *connGuard {
	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.guards[conn.ID]; ok {
		return g
	}

	burst := int(f.cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	g := &connGuard{
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("%s/%d", conn.Provider, conn.ID),
			MaxRequests: 1,
			Timeout:     f.cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// only provider outages trip the breaker
				return err == nil || !errors.Is(err, ErrProviderUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("connection circuit breaker state changed")
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), burst),
	}
	f.guards[conn.ID] = g
	return g
}

// Forget drops the breaker and limiter of a removed connection
func (f *Fetcher) Forget(connID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.guards, connID)
}
