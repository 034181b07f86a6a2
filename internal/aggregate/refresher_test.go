package aggregate

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"))
}

// fakeSource mimics the stored view: Refresh recomputes from rows and bumps
// the generation, Latest returns the last stored result.
type fakeSource struct {
	mu     sync.Mutex
	rows   []domain.AggregateRow
	err    error
	stored domain.AggregateView
	calls  atomic.Int32
	reads  atomic.Int32
	gate   chan struct{}
}

func (f *fakeSource) Refresh(ctx context.Context) (domain.AggregateView, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.AggregateView{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.AggregateView{}, f.err
	}
	rows := make([]domain.AggregateRow, len(f.rows))
	copy(rows, f.rows)
	f.stored = domain.AggregateView{
		Rows:        rows,
		Generation:  f.stored.Generation + 1,
		RefreshedAt: time.Date(2026, 10, 19, 12, 0, int(f.stored.Generation), 0, time.UTC),
	}
	return f.stored, nil
}

func (f *fakeSource) Latest(context.Context) (domain.AggregateView, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.AggregateView{}, f.err
	}
	return f.stored, nil
}

func (f *fakeSource) Generation(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.stored.Generation, nil
}

func (f *fakeSource) set(rows []domain.AggregateRow, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = rows
	f.err = err
}

type recordingObserver struct {
	mu    sync.Mutex
	calls int
	errs  int
}

func (o *recordingObserver) ObserveRefresh(_ time.Duration, _ int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if err != nil {
		o.errs++
	}
}

func newTestRefresher(src Source, opts Options) *Refresher {
	opts.Logger = log.New(io.Discard, "", 0)
	return NewRefresher(src, opts)
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestRefresher_EmptyBeforeFirstRefresh(t *testing.T) {
	r := newTestRefresher(&fakeSource{}, Options{})

	rows := r.Query(domain.AggregateFilter{})
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Equal(t, uint64(0), r.Snapshot().Generation)
}

func TestRefresher_RefreshAndQuery(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{
		{ReleasedYear: 2013, Genre: "Sci-Fi", MovieCount: 1},
		{ReleasedYear: 1979, Genre: "Horror", MovieCount: 1},
		{ReleasedYear: 2013, Genre: "Drama", MovieCount: 2},
	}}
	r := newTestRefresher(src, Options{CacheTTL: time.Minute})

	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, []domain.AggregateRow{
		{ReleasedYear: 1979, Genre: "Horror", MovieCount: 1},
		{ReleasedYear: 2013, Genre: "Drama", MovieCount: 2},
		{ReleasedYear: 2013, Genre: "Sci-Fi", MovieCount: 1},
	}, r.Query(domain.AggregateFilter{}))

	assert.Equal(t, []domain.AggregateRow{
		{ReleasedYear: 2013, Genre: "Drama", MovieCount: 2},
	}, r.Query(domain.AggregateFilter{Year: intPtr(2013), Genre: strPtr(" drama ")}))

	assert.Empty(t, r.Query(domain.AggregateFilter{Year: intPtr(1900)}))
}

func TestRefresher_Idempotent(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	r := newTestRefresher(src, Options{})

	require.NoError(t, r.Refresh(context.Background()))
	first := r.Query(domain.AggregateFilter{})
	require.NoError(t, r.Refresh(context.Background()))
	second := r.Query(domain.AggregateFilter{})

	assert.Equal(t, first, second)
	assert.Equal(t, uint64(2), r.Snapshot().Generation)
}

func TestRefresher_FailureKeepsPreviousSnapshot(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	obs := &recordingObserver{}
	r := newTestRefresher(src, Options{Observer: obs})

	require.NoError(t, r.Refresh(context.Background()))
	before := r.Snapshot()

	src.set(nil, errors.New("relation does not exist"))
	err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefresh)

	assert.Same(t, before, r.Snapshot())
	assert.Equal(t, before.Rows, r.Query(domain.AggregateFilter{}))
	assert.Equal(t, 2, obs.calls)
	assert.Equal(t, 1, obs.errs)
}

func TestRefresher_ConcurrentCallsCollapse(t *testing.T) {
	src := &fakeSource{
		rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}},
		gate: make(chan struct{}),
	}
	r := newTestRefresher(src, Options{})

	const callers = 16
	var (
		wg    sync.WaitGroup
		ready sync.WaitGroup
	)
	errs := make(chan error, callers)
	ready.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			errs <- r.Refresh(context.Background())
		}()
	}
	ready.Wait()
	// Give every caller time to join the in-flight refresh before releasing it.
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, uint64(1), r.Snapshot().Generation)
}

func TestRefresher_QueryDuringRefreshSeesOldSnapshot(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	r := newTestRefresher(src, Options{CacheTTL: time.Minute})
	require.NoError(t, r.Refresh(context.Background()))

	src.gate = make(chan struct{})
	src.set([]domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 2}}, nil)

	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, int64(1), r.Query(domain.AggregateFilter{})[0].MovieCount)

	close(src.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), r.Query(domain.AggregateFilter{})[0].MovieCount)
}

func TestRefresher_CallerTimeoutDoesNotAbortRecompute(t *testing.T) {
	src := &fakeSource{
		rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}},
		gate: make(chan struct{}),
	}
	r := newTestRefresher(src, Options{Timeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Refresh(ctx)
	require.ErrorIs(t, err, ErrRefresh)

	close(src.gate)
	require.Eventually(t, func() bool { return r.Snapshot().Generation == 1 }, time.Second, 5*time.Millisecond)
}

func TestRefresher_SourceTimeout(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	defer close(src.gate)
	r := newTestRefresher(src, Options{Timeout: 10 * time.Millisecond})

	err := r.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefresh)
	assert.Equal(t, uint64(0), r.Snapshot().Generation)
}

func TestRefresher_QueryResultIsCallerOwned(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	r := newTestRefresher(src, Options{CacheTTL: time.Minute})
	require.NoError(t, r.Refresh(context.Background()))

	rows := r.Query(domain.AggregateFilter{})
	rows[0].MovieCount = 99

	assert.Equal(t, int64(1), r.Query(domain.AggregateFilter{})[0].MovieCount)
}

func TestRefresher_RunRetriesWithBackoff(t *testing.T) {
	src := &fakeSource{err: errors.New("warehouse unavailable")}
	r := newTestRefresher(src, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, time.Hour)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	src.set([]domain.AggregateRow{{ReleasedYear: 2001, Genre: "Drama", MovieCount: 3}}, nil)
	require.Eventually(t, func() bool { return r.Snapshot().Generation == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRefresher_SyncAdoptsNewerStoredSnapshot(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	writer := newTestRefresher(src, Options{})
	reader := newTestRefresher(src, Options{CacheTTL: time.Minute})

	require.NoError(t, writer.Refresh(context.Background()))
	assert.Empty(t, reader.Query(domain.AggregateFilter{}))

	require.NoError(t, reader.Sync(context.Background()))
	assert.Equal(t, uint64(1), reader.Snapshot().Generation)
	assert.Equal(t, writer.Snapshot().RefreshedAt, reader.Snapshot().RefreshedAt)
	assert.Equal(t, []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}},
		reader.Query(domain.AggregateFilter{}))

	// Nothing newer stored: the snapshot is neither reread nor replaced.
	before := reader.Snapshot()
	require.NoError(t, reader.Sync(context.Background()))
	assert.Same(t, before, reader.Snapshot())
	assert.Equal(t, int32(1), src.reads.Load())

	src.set([]domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 4}}, nil)
	require.NoError(t, writer.Refresh(context.Background()))
	require.NoError(t, reader.Sync(context.Background()))
	assert.Equal(t, int64(4), reader.Query(domain.AggregateFilter{})[0].MovieCount)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestRefresher_SyncFailureKeepsSnapshot(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 2013, Genre: "Drama", MovieCount: 1}}}
	r := newTestRefresher(src, Options{})
	require.NoError(t, r.Refresh(context.Background()))
	before := r.Snapshot()

	src.set(nil, errors.New("connection refused"))
	err := r.Sync(context.Background())
	require.ErrorIs(t, err, ErrSync)
	assert.Same(t, before, r.Snapshot())
}

func TestRefresher_OlderGenerationIsIgnored(t *testing.T) {
	r := newTestRefresher(&fakeSource{}, Options{})

	assert.True(t, r.publish(domain.AggregateView{Generation: 3, Rows: []domain.AggregateRow{{ReleasedYear: 2001, Genre: "Drama", MovieCount: 3}}}))
	assert.False(t, r.publish(domain.AggregateView{Generation: 2}))
	assert.False(t, r.publish(domain.AggregateView{Generation: 3}))
	assert.Equal(t, uint64(3), r.Snapshot().Generation)
	assert.Len(t, r.Snapshot().Rows, 1)
}

func TestRefresher_WatchPicksUpExternalRefresh(t *testing.T) {
	src := &fakeSource{rows: []domain.AggregateRow{{ReleasedYear: 1979, Genre: "Horror", MovieCount: 1}}}
	r := newTestRefresher(src, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(ctx, 5*time.Millisecond)
	}()

	_, err := src.Refresh(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.Snapshot().Generation == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestRetryBackOff(t *testing.T) {
	b := newRetryBackOff(time.Second, 5*time.Second)
	assert.Equal(t, time.Second, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	assert.Equal(t, 5*time.Second, b.NextBackOff())
	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
