// Package pipeline runs one input batch through validation, quarantine,
// loading and the aggregate refresh, and reports a terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/Clark-Hu/ratings-pipeline/internal/aggregate"
	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/ingest"
	"github.com/Clark-Hu/ratings-pipeline/internal/load"
	"github.com/Clark-Hu/ratings-pipeline/internal/metrics"
	"github.com/Clark-Hu/ratings-pipeline/internal/quarantine"
)

// RefreshPolicy decides when the aggregate snapshot is recomputed.
type RefreshPolicy string

const (
	// RefreshPostLoad refreshes after every batch that inserted rows.
	RefreshPostLoad RefreshPolicy = "post-load"
	// RefreshInterval leaves refreshing to a periodic scheduler.
	RefreshInterval RefreshPolicy = "interval"
	// RefreshManual only refreshes on explicit request.
	RefreshManual RefreshPolicy = "manual"
)

// ParseRefreshPolicy validates a policy name.
func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch p := RefreshPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RefreshPostLoad, RefreshInterval, RefreshManual:
		return p, nil
	default:
		return "", fmt.Errorf("unknown refresh policy %q", s)
	}
}

// QuarantineStore persists rejected records with their batch summary.
type QuarantineStore interface {
	SaveBatch(ctx context.Context, summary domain.RuleOutcomeSummary, rejected []domain.Verdict) error
}

// Deps wires the stages together.
type Deps struct {
	Router     *quarantine.Router
	Quarantine QuarantineStore
	Loader     *load.Loader
	Refresher  *aggregate.Refresher
	Policy     RefreshPolicy
	// LoadRetries is how many times retryable rows of a partial ingest are
	// submitted again before the batch is reported.
	LoadRetries int
	Reader      ingest.Options
	Metrics     *metrics.Pipeline
	Logger      *log.Logger
}

// Pipeline processes batches. Batches share no mutable state, so Process can
// be called concurrently.
type Pipeline struct {
	router     *quarantine.Router
	quarantine QuarantineStore
	loader     *load.Loader
	refresher  *aggregate.Refresher
	policy     RefreshPolicy
	retries    int
	readOpts   ingest.Options
	metrics    *metrics.Pipeline
	logger     *log.Logger
	now        func() time.Time
}

// New builds a pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	policy := d.Policy
	if policy == "" {
		policy = RefreshPostLoad
	}
	return &Pipeline{
		router:     d.Router,
		quarantine: d.Quarantine,
		loader:     d.Loader,
		refresher:  d.Refresher,
		policy:     policy,
		retries:    d.LoadRetries,
		readOpts:   d.Reader,
		metrics:    d.Metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// OnNewBatch reads one input unit and processes it. Structurally unreadable
// input produces a failure outcome and nothing is written.
func (p *Pipeline) OnNewBatch(ctx context.Context, source string, r io.Reader) domain.PipelineOutcome {
	started := p.now().UTC()
	batch, err := ingest.ReadBatch(r, source, p.readOpts)
	if err != nil {
		out := domain.PipelineOutcome{
			Source:      source,
			Status:      domain.StatusFailure,
			ErrorDetail: err.Error(),
			StartedAt:   started,
			FinishedAt:  p.now().UTC(),
		}
		p.logger.Printf("pipeline: batch from %s aborted: %v", source, err)
		p.metrics.ObserveOutcome(out)
		return out
	}
	out := p.Process(ctx, batch)
	out.StartedAt = started
	return out
}

// Process routes, quarantines, loads and optionally refreshes one batch.
func (p *Pipeline) Process(ctx context.Context, batch domain.Batch) domain.PipelineOutcome {
	out := domain.PipelineOutcome{
		BatchID:   batch.ID,
		Source:    batch.Source,
		StartedAt: p.now().UTC(),
	}
	var problems []string

	stageStart := time.Now()
	routed := p.router.Route(batch)
	p.metrics.ObserveStage("route", time.Since(stageStart))
	p.metrics.ObserveSummary(routed.Summary)

	out.AcceptedCount = len(routed.Accepted)
	out.RejectedCount = len(routed.Rejected)
	out.Incomplete = batch.Incomplete
	if batch.Incomplete {
		problems = append(problems, fmt.Sprintf("input incomplete after %d record(s): %s", len(batch.Records), batch.IncompleteReason))
	}

	if p.quarantine != nil {
		stageStart = time.Now()
		if err := p.quarantine.SaveBatch(ctx, routed.Summary, routed.Rejected); err != nil {
			p.logger.Printf("pipeline: batch %s quarantine write failed: %v", batch.ID, err)
			problems = append(problems, fmt.Sprintf("quarantine: %v", err))
		}
		p.metrics.ObserveStage("quarantine", time.Since(stageStart))
	}

	stageStart = time.Now()
	res, err := p.loader.Load(ctx, batch.ID, routed.Accepted)
	for attempt := 0; attempt < p.retries && err != nil && ctx.Err() == nil; attempt++ {
		var partial *load.PartialIngestError
		if !errors.As(err, &partial) || len(partial.RetryableRecords()) == 0 {
			break
		}
		p.logger.Printf("pipeline: batch %s retrying %d row(s)", batch.ID, len(partial.RetryableRecords()))
		res, err = p.retryLoad(ctx, res, partial)
	}
	p.metrics.ObserveStage("load", time.Since(stageStart))
	p.metrics.ObserveLoad(res.Inserted, res.Failed)
	out.InsertedCount = res.Inserted
	out.FailedCount = res.Failed
	if err != nil {
		var partial *load.PartialIngestError
		if errors.As(err, &partial) {
			p.logger.Printf("pipeline: batch %s partial ingest: %d inserted, %d failed (%d retryable)",
				batch.ID, res.Inserted, res.Failed, len(partial.RetryableRecords()))
		}
		problems = append(problems, err.Error())
	}

	if p.refresher != nil && p.policy == RefreshPostLoad && res.Inserted > 0 {
		stageStart = time.Now()
		if err := p.refresher.Refresh(ctx); err != nil {
			problems = append(problems, err.Error())
		} else {
			out.Refreshed = true
		}
		p.metrics.ObserveStage("refresh", time.Since(stageStart))
	}

	out.Status = domain.StatusSuccess
	if len(problems) > 0 {
		out.Status = domain.StatusPartial
		out.ErrorDetail = strings.Join(problems, "; ")
	}
	out.FinishedAt = p.now().UTC()

	p.metrics.ObserveOutcome(out)
	p.logger.Printf("pipeline: batch %s from %s finished status=%s accepted=%d rejected=%d inserted=%d failed=%d",
		batch.ID, batch.Source, out.Status, out.AcceptedCount, out.RejectedCount, out.InsertedCount, out.FailedCount)
	return out
}

// retryLoad re-submits the retryable rows of prev and merges the result with
// the rows that were already inserted or permanently rejected.
func (p *Pipeline) retryLoad(ctx context.Context, prev load.Result, partial *load.PartialIngestError) (load.Result, error) {
	var permanent []load.FailedRow
	for _, row := range partial.Rows {
		if !row.Retryable {
			permanent = append(permanent, row)
		}
	}
	retried, err := p.loader.Retry(ctx, partial)

	merged := load.Result{Inserted: prev.Inserted + retried.Inserted}
	rows := permanent
	var again *load.PartialIngestError
	if errors.As(err, &again) {
		rows = append(rows, again.Rows...)
	}
	merged.Failed = len(rows)
	if len(rows) == 0 {
		return merged, nil
	}
	return merged, &load.PartialIngestError{BatchID: partial.BatchID, Rows: rows}
}
