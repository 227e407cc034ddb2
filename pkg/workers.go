package advcache

// workers.go runs the two background loops the facade itself never starts
// on its own: soft-limit eviction and probabilistic refresh. Both are driven
// by tickers and coordinated through an errgroup so cancellation stops both
// and Run returns once both have exited, matching the teacher's graceful-shutdown style
// from its cmd/arena-cache-inspect entrypoint.
//
// © 2025 advcache authors. MIT License.

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Voskan/advcache/internal/dedlog"
)

// Workers owns the background eviction and refresh loops for a Storage. It
// is constructed separately from Storage so a caller that only wants the
// synchronous Get/Set/Remove surface (e.g. a unit test) need not pay for
// goroutines it never starts.
type Workers struct {
	s        *Storage
	upstream Upstream
	errlog   *dedlog.Logger
}

// NewWorkers binds a Storage to the Upstream it should refresh entries
// against. Errors logged during refresh are deduplicated within a 30s
// window so a persistently failing upstream does not flood the log.
func NewWorkers(s *Storage, upstream Upstream) *Workers {
	return &Workers{
		s:        s,
		upstream: upstream,
		errlog:   dedlog.New(s.logger, 30*time.Second),
	}
}

// Run blocks until ctx is cancelled or a loop returns a non-context error,
// running the eviction and refresh loops concurrently via errgroup.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.runEviction(ctx) })
	g.Go(func() error { return w.runRefresh(ctx) })
	return g.Wait()
}

func (w *Workers) runEviction(ctx context.Context) error {
	ticker := time.NewTicker(w.s.cfg.Eviction.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.s.metrics.setRefreshQueueDepth(w.s.refreshQueueDepth())

			if !w.s.softMemoryLimitOvercome() {
				continue
			}
			evicted := w.s.evictWithMetrics(w.s.cfg.Storage.SoftMemoryLimit, w.s.cfg.Eviction.Backoff)
			if evicted > 0 {
				w.s.publishStat()
				w.s.logger.Debug("background eviction pass", zap.Int("evicted", evicted))
			}
		}
	}
}

func (w *Workers) runRefresh(ctx context.Context) error {
	ticker := time.NewTicker(w.s.cfg.Refresh.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.refreshOne(ctx)
		}
	}
}

// refreshOne pops a single candidate via peekExpiredTTL and either removes
// it (remove-on-ttl mode) or asks the upstream to revalidate it in place.
func (w *Workers) refreshOne(ctx context.Context) {
	entry, ok := w.s.peekExpiredTTL()
	if !ok {
		return
	}

	if w.s.cfg.Lifetime.RemoveOnTTL() {
		w.s.Remove(entry)
		return
	}

	if err := w.upstream.IsHealthy(ctx); err != nil {
		w.errlog.Error("refresh worker: upstream unhealthy, skipping pass", zap.Error(err))
		return
	}

	resp, err := w.upstream.Refresh(ctx, entry)
	if err != nil {
		w.s.metrics.incRefreshFailed()
		w.errlog.Error("refresh worker: upstream refresh failed",
			zap.Uint64("key", entry.Key), zap.Error(err))
		return
	}

	now := w.s.clock()
	refreshed := NewEntry(entry.Key, entry.Fingerprint, resp.Body, int64(len(resp.Body)), now)
	w.s.Set(refreshed)
	w.s.metrics.incRefreshSucceeded()
}
