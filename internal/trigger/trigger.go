// Package trigger starts pipeline runs when new data arrives and hands each
// outcome to the notifiers.
package trigger

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/notify"
)

// ErrBatchTooLarge is reported when an input unit exceeds the byte limit.
var ErrBatchTooLarge = errors.New("trigger: batch exceeds size limit")

// Runner processes one input unit.
type Runner interface {
	OnNewBatch(ctx context.Context, source string, r io.Reader) domain.PipelineOutcome
}

// Trigger runs batches and reports their outcomes.
type Trigger struct {
	runner        Runner
	notifier      notify.Notifier
	maxBytes      int64
	notifyTimeout time.Duration
	logger        *log.Logger
}

// Options configures a Trigger.
type Options struct {
	// MaxBytes caps the size of one input unit; zero means unlimited.
	MaxBytes      int64
	NotifyTimeout time.Duration
	Logger        *log.Logger
}

func New(runner Runner, notifier notify.Notifier, opts Options) *Trigger {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	timeout := opts.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Trigger{
		runner:        runner,
		notifier:      notifier,
		maxBytes:      opts.MaxBytes,
		notifyTimeout: timeout,
		logger:        logger,
	}
}

// Fire runs the pipeline over r and notifies. Delivery failures are logged
// and never change the outcome.
func (t *Trigger) Fire(ctx context.Context, source string, r io.Reader) domain.PipelineOutcome {
	if t.maxBytes > 0 {
		r = &limitReader{r: r, remaining: t.maxBytes}
	}
	out := t.runner.OnNewBatch(ctx, source, r)
	if t.notifier != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.notifyTimeout)
		defer cancel()
		if err := t.notifier.Notify(nctx, out); err != nil {
			t.logger.Printf("trigger: notify for batch %s failed: %v", out.BatchID, err)
		}
	}
	return out
}

// limitReader fails with ErrBatchTooLarge instead of silently truncating.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, ErrBatchTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		n += int(l.remaining)
		return n, ErrBatchTooLarge
	}
	return n, err
}
