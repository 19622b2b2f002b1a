package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// DefaultRefreshInterval is how often the catalog is rebuilt from its source.
const DefaultRefreshInterval = 30 * time.Minute

// RefreshHooks are optional callbacks for observability.
type RefreshHooks struct {
	OnRefresh func(entries int, version uint64, duration float64)
	OnFailure func(duration float64)
}

// Refresher keeps a Catalog current.
type Refresher struct {
	catalog  *Catalog
	source   Source
	interval time.Duration
	logger   log.Logger
	hooks    RefreshHooks

	// initialBackoff is the first retry delay of LoadInitial.
	initialBackoff time.Duration
}

// NewRefresher creates a refresher. interval <= 0 uses DefaultRefreshInterval.
func NewRefresher(c *Catalog, src Source, interval time.Duration, logger log.Logger, hooks RefreshHooks) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Refresher{
		catalog:        c,
		source:         src,
		interval:       interval,
		logger:         logger,
		hooks:          hooks,
		initialBackoff: time.Second,
	}
}

// LoadInitial performs the cold-start load, retrying with exponential backoff
// until maxElapsed. Serving without a catalog is pointless, so callers treat
// an error here as fatal.
func (r *Refresher) LoadInitial(ctx context.Context, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialBackoff

	_, err := backoff.Retry(ctx, func() (*Snapshot, error) {
		return r.Refresh(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn(ctx, "initial catalog load failed, retrying", "error", err, "retry_in", next.String())
		}),
	)
	if err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}
	return nil
}

// Refresh runs one refresh and reports it.
func (r *Refresher) Refresh(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := r.catalog.RefreshFrom(ctx, r.source)
	dur := time.Since(start).Seconds()
	if err != nil {
		if r.hooks.OnFailure != nil {
			r.hooks.OnFailure(dur)
		}
		return nil, err
	}

	if r.hooks.OnRefresh != nil {
		r.hooks.OnRefresh(snap.Len(), snap.Version(), dur)
	}
	r.logger.Info(ctx, "catalog refreshed",
		"version", snap.Version(),
		"entries", snap.Len(),
		"codes", len(snap.codes),
		"collisions", snap.Collisions(),
		"blacklisted", len(snap.blacklist),
		"preserved_codes", snap.Preserved(),
		"duration", dur,
	)
	return snap, nil
}

// Run refreshes on every tick until ctx is done. Failures keep the stale
// snapshot and are retried on the next tick.
func (r *Refresher) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Refresh(ctx); err != nil {
				r.logger.Error(ctx, err, "catalog refresh failed, keeping stale snapshot",
					"version", r.catalog.Snapshot().Version(),
					"retry_in", r.interval.String(),
				)
			}
		}
	}
}
