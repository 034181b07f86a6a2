// Package aggregate maintains the in-memory copy of the movie-count snapshot.
// The stored view is the snapshot of record: Refresh recomputes it, and Sync
// adopts a newer one published by another process.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

var (
	// ErrRefresh wraps every failed recompute. The previous snapshot stays live.
	ErrRefresh = errors.New("aggregate: refresh failed")
	// ErrSync wraps a failed read of the stored snapshot.
	ErrSync = errors.New("aggregate: sync failed")
)

// Source is the stored aggregate. Refresh recomputes it and returns the result
// under a new generation. Latest and Generation only read.
type Source interface {
	Refresh(ctx context.Context) (domain.AggregateView, error)
	Latest(ctx context.Context) (domain.AggregateView, error)
	Generation(ctx context.Context) (uint64, error)
}

// Observer receives refresh timings; metrics.Pipeline implements it.
type Observer interface {
	ObserveRefresh(d time.Duration, rows int, err error)
}

// Snapshot is an immutable, complete aggregate as of RefreshedAt.
type Snapshot struct {
	Rows        []domain.AggregateRow
	RefreshedAt time.Time
	Generation  uint64
}

// Options configures a Refresher.
type Options struct {
	// Timeout bounds a single recompute; zero disables it.
	Timeout time.Duration
	// CacheTTL keeps filtered query results per snapshot; zero disables caching.
	CacheTTL time.Duration
	Observer Observer
	Logger   *log.Logger
}

// Refresher recomputes the snapshot on demand and serves queries from the
// last complete one. Concurrent Refresh calls share a single recompute.
type Refresher struct {
	src      Source
	timeout  time.Duration
	observer Observer
	logger   *log.Logger

	current atomic.Pointer[Snapshot]
	flight  singleflight.Group
	results *cache.Cache
}

// NewRefresher builds a refresher with an empty snapshot.
func NewRefresher(src Source, opts Options) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := &Refresher{
		src:      src,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		logger:   logger,
	}
	if opts.CacheTTL > 0 {
		r.results = cache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	r.current.Store(&Snapshot{Rows: []domain.AggregateRow{}})
	return r
}

// Refresh recomputes the snapshot and swaps it in. If another refresh is
// already running, the caller waits for that one instead of starting a new
// recompute. The recompute itself is bounded by the configured timeout, not
// by ctx, so an impatient caller cannot abort it for the others.
func (r *Refresher) Refresh(ctx context.Context) error {
	ch := r.flight.DoChan("refresh", func() (any, error) {
		return nil, r.recompute(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrRefresh, ctx.Err())
	}
}

func (r *Refresher) recompute(ctx context.Context) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	view, err := r.src.Refresh(ctx)
	if r.observer != nil {
		r.observer.ObserveRefresh(time.Since(start), len(view.Rows), err)
	}
	if err != nil {
		r.logger.Printf("aggregate: refresh failed, keeping generation %d: %v", r.current.Load().Generation, err)
		return fmt.Errorf("%w: %v", ErrRefresh, err)
	}
	r.publish(view)
	return nil
}

// Sync adopts the stored snapshot when its generation is newer than the one
// held in memory. It never recomputes.
func (r *Refresher) Sync(ctx context.Context) error {
	_, err, _ := r.flight.Do("sync", func() (any, error) {
		gen, err := r.src.Generation(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSync, err)
		}
		if gen <= r.current.Load().Generation {
			return nil, nil
		}
		view, err := r.src.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSync, err)
		}
		r.publish(view)
		return nil, nil
	})
	return err
}

// publish swaps view in unless a snapshot of the same or a later generation
// is already live.
func (r *Refresher) publish(view domain.AggregateView) bool {
	next := &Snapshot{
		Rows:        normalize(view.Rows),
		RefreshedAt: view.RefreshedAt.UTC(),
		Generation:  view.Generation,
	}
	for {
		cur := r.current.Load()
		if next.Generation <= cur.Generation {
			return false
		}
		if r.current.CompareAndSwap(cur, next) {
			break
		}
	}
	if r.results != nil {
		r.results.Flush()
	}
	r.logger.Printf("aggregate: snapshot generation %d with %d row(s)", next.Generation, len(next.Rows))
	return true
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (r *Refresher) Snapshot() *Snapshot {
	return r.current.Load()
}

// Query returns the rows of the current snapshot matching filter. The result
// is a fresh slice owned by the caller.
func (r *Refresher) Query(filter domain.AggregateFilter) []domain.AggregateRow {
	snap := r.current.Load()

	key := cacheKey(snap.Generation, filter)
	if r.results != nil {
		if hit, ok := r.results.Get(key); ok {
			return clone(hit.([]domain.AggregateRow))
		}
	}

	out := make([]domain.AggregateRow, 0, len(snap.Rows))
	for _, row := range snap.Rows {
		if filter.Year != nil && row.ReleasedYear != *filter.Year {
			continue
		}
		if filter.Genre != nil && !strings.EqualFold(row.Genre, strings.TrimSpace(*filter.Genre)) {
			continue
		}
		out = append(out, row)
	}
	if r.results != nil {
		r.results.SetDefault(key, clone(out))
	}
	return out
}

// Run refreshes every interval until ctx ends. A failed refresh is retried
// with exponential backoff, capped at the interval.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	r.logger.Printf("aggregate: periodic refresh every %s", interval)
	retry := newRetryBackOff(time.Second, interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := r.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			r.logger.Printf("aggregate: scheduled refresh failed, retrying in %s: %v", wait, err)
			timer.Reset(wait)
			continue
		}
		retry.Reset()
		timer.Reset(interval)
	}
}

// Watch calls Sync every poll until ctx ends, so refreshes made by other
// processes reach this one.
func (r *Refresher) Watch(ctx context.Context, poll time.Duration) {
	if poll <= 0 {
		return
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("aggregate: %v", err)
		}
	}
}

// newRetryBackOff doubles from initial up to ceiling and never gives up.
func newRetryBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	if ceiling < initial {
		ceiling = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// normalize orders rows by year then genre so equal data always yields an
// identical snapshot, whatever order the source returned.
func normalize(rows []domain.AggregateRow) []domain.AggregateRow {
	out := clone(rows)
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReleasedYear != out[j].ReleasedYear {
			return out[i].ReleasedYear < out[j].ReleasedYear
		}
		return out[i].Genre < out[j].Genre
	})
	return out
}

func clone(rows []domain.AggregateRow) []domain.AggregateRow {
	out := make([]domain.AggregateRow, len(rows))
	copy(out, rows)
	return out
}

func cacheKey(gen uint64, filter domain.AggregateFilter) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(gen, 10))
	b.WriteString("|")
	if filter.Year != nil {
		b.WriteString(strconv.Itoa(*filter.Year))
	}
	b.WriteString("|")
	if filter.Genre != nil {
		b.WriteString(strings.ToLower(strings.TrimSpace(*filter.Genre)))
	}
	return b.String()
}
