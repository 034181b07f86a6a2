// Package load appends accepted records to the durable ratings table.
package load

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// ErrPartialIngest is matched by *PartialIngestError.
var ErrPartialIngest = errors.New("load: partial ingest")

// RowWriter is the durable table. CopyRatings must be all-or-nothing;
// InsertRating commits a single row.
type RowWriter interface {
	CopyRatings(ctx context.Context, batchID string, records []domain.Record) (int64, error)
	InsertRating(ctx context.Context, batchID string, record domain.Record) error
}

// Result reports how many records were stored.
type Result struct {
	Inserted int `json:"inserted_count"`
	Failed   int `json:"failed_count"`
}

// FailedRow is a record that could not be stored.
type FailedRow struct {
	Record    domain.Record
	Err       error
	Retryable bool
}

// PartialIngestError lists the rows that were not stored.
type PartialIngestError struct {
	BatchID string
	Rows    []FailedRow
}

func (e *PartialIngestError) Error() string {
	retryable := len(e.RetryableRecords())
	msg := fmt.Sprintf("load: %d row(s) failed (%d retryable)", len(e.Rows), retryable)
	if len(e.Rows) > 0 && e.Rows[0].Err != nil {
		msg += fmt.Sprintf(": first error at line %d: %v", e.Rows[0].Record.Line, e.Rows[0].Err)
	}
	return msg
}

func (e *PartialIngestError) Is(target error) bool {
	return target == ErrPartialIngest
}

// RetryableRecords returns the failed records worth submitting again.
func (e *PartialIngestError) RetryableRecords() []domain.Record {
	out := make([]domain.Record, 0, len(e.Rows))
	for _, row := range e.Rows {
		if row.Retryable {
			out = append(out, row.Record)
		}
	}
	return out
}

// Loader is the load stage.
type Loader struct {
	writer  RowWriter
	timeout time.Duration
	logger  *log.Logger
}

// NewLoader builds a loader. timeout bounds each Load call; zero disables it.
func NewLoader(writer RowWriter, timeout time.Duration, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{writer: writer, timeout: timeout, logger: logger}
}

// Load stores accepted records. It first tries one bulk copy; when that fails
// it falls back to row-by-row inserts so a single bad row cannot sink the
// batch. The returned error, if any, is a *PartialIngestError.
func (l *Loader) Load(ctx context.Context, batchID string, accepted []domain.Record) (Result, error) {
	if len(accepted) == 0 {
		return Result{}, nil
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	n, err := l.writer.CopyRatings(ctx, batchID, accepted)
	if err == nil {
		return Result{Inserted: int(n)}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		// The copy was aborted and nothing from it is committed.
		return l.failAll(batchID, accepted, ctxErr)
	}
	l.logger.Printf("load: bulk copy failed for batch %s, falling back to row inserts: %v", batchID, err)

	var (
		res    Result
		failed []FailedRow
	)
	for i, rec := range accepted {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, rest := range accepted[i:] {
				failed = append(failed, FailedRow{Record: rest, Err: ctxErr, Retryable: true})
			}
			break
		}
		if err := l.writer.InsertRating(ctx, batchID, rec); err != nil {
			failed = append(failed, FailedRow{Record: rec, Err: err, Retryable: !errors.Is(err, domain.ErrRowRejected)})
			continue
		}
		res.Inserted++
	}
	res.Failed = len(failed)
	if len(failed) > 0 {
		return res, &PartialIngestError{BatchID: batchID, Rows: failed}
	}
	return res, nil
}

// Retry re-submits the retryable rows of a previous partial ingest.
func (l *Loader) Retry(ctx context.Context, prev *PartialIngestError) (Result, error) {
	if prev == nil {
		return Result{}, nil
	}
	return l.Load(ctx, prev.BatchID, prev.RetryableRecords())
}

func (l *Loader) failAll(batchID string, records []domain.Record, cause error) (Result, error) {
	rows := make([]FailedRow, len(records))
	for i, rec := range records {
		rows[i] = FailedRow{Record: rec, Err: cause, Retryable: true}
	}
	return Result{Failed: len(records)}, &PartialIngestError{BatchID: batchID, Rows: rows}
}
