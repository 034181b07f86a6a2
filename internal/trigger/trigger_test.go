package trigger

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// readingRunner drains the input and fails the batch when reading fails.
type readingRunner struct {
	mu      sync.Mutex
	sources []string
}

func (r *readingRunner) OnNewBatch(_ context.Context, source string, in io.Reader) domain.PipelineOutcome {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()

	data, err := io.ReadAll(in)
	out := domain.PipelineOutcome{BatchID: "id-" + source, Source: source, Status: domain.StatusSuccess}
	if err != nil {
		out.Status = domain.StatusFailure
		out.ErrorDetail = err.Error()
		return out
	}
	if strings.Contains(string(data), "bad") {
		out.Status = domain.StatusFailure
	}
	return out
}

type captureNotifier struct {
	mu   sync.Mutex
	seen []domain.PipelineOutcome
	err  error
}

func (c *captureNotifier) Name() string { return "capture" }

func (c *captureNotifier) Notify(ctx context.Context, out domain.PipelineOutcome) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, out)
	return c.err
}

func (c *captureNotifier) outcomes() []domain.PipelineOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.PipelineOutcome(nil), c.seen...)
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func TestFireNotifies(t *testing.T) {
	n := &captureNotifier{}
	tr := New(&readingRunner{}, n, Options{Logger: discard()})

	out := tr.Fire(context.Background(), "a.csv", strings.NewReader("title\n"))

	assert.Equal(t, domain.StatusSuccess, out.Status)
	require.Len(t, n.outcomes(), 1)
	assert.Equal(t, out, n.outcomes()[0])
}

func TestFireNotifyFailureKeepsOutcome(t *testing.T) {
	n := &captureNotifier{err: errors.New("smtp down")}
	tr := New(&readingRunner{}, n, Options{Logger: discard()})

	out := tr.Fire(context.Background(), "a.csv", strings.NewReader("title\n"))
	assert.Equal(t, domain.StatusSuccess, out.Status)
}

func TestFireNotifiesAfterCallerCancel(t *testing.T) {
	n := &captureNotifier{}
	tr := New(&readingRunner{}, n, Options{Logger: discard()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr.Fire(ctx, "a.csv", strings.NewReader("title\n"))
	assert.Len(t, n.outcomes(), 1)
}

func TestFireSizeLimit(t *testing.T) {
	tr := New(&readingRunner{}, nil, Options{MaxBytes: 8, Logger: discard()})

	out := tr.Fire(context.Background(), "big.csv", strings.NewReader(strings.Repeat("x", 64)))
	assert.Equal(t, domain.StatusFailure, out.Status)
	assert.Contains(t, out.ErrorDetail, ErrBatchTooLarge.Error())

	out = tr.Fire(context.Background(), "exact.csv", strings.NewReader(strings.Repeat("x", 8)))
	assert.Equal(t, domain.StatusSuccess, out.Status)
}

func TestLimitReaderReturnsPrefix(t *testing.T) {
	r := &limitReader{r: strings.NewReader("abcdefgh"), remaining: 5}
	data, err := io.ReadAll(r)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
	assert.Equal(t, "abcde", string(data))
}
