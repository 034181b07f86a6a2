// Package quarantine splits a batch into accepted and rejected records.
package quarantine

import (
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/quality"
)

// minChunk keeps tiny batches on a single goroutine.
const minChunk = 256

// Result is the routed form of one batch. Accepted and Rejected keep the
// relative order the records had in the batch.
type Result struct {
	Accepted []domain.Record
	Rejected []domain.Verdict
	Summary  domain.RuleOutcomeSummary
}

// Router validates batches in parallel. It holds no per-batch state, so one
// Router can serve concurrent batches.
type Router struct {
	validator *quality.Validator
	workers   int
	now       func() time.Time
}

// NewRouter builds a router. workers <= 0 uses GOMAXPROCS.
func NewRouter(validator *quality.Validator, workers int) *Router {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Router{validator: validator, workers: workers, now: time.Now}
}

// Route validates every record and partitions the batch.
func (r *Router) Route(batch domain.Batch) Result {
	verdicts := r.validateAll(batch.Records)

	rules := r.validator.Rules()
	failures := make(map[domain.RuleID]int, len(rules))
	res := Result{
		Accepted: make([]domain.Record, 0, len(verdicts)),
	}
	for _, v := range verdicts {
		if v.Passed() {
			res.Accepted = append(res.Accepted, v.Record)
			continue
		}
		res.Rejected = append(res.Rejected, v)
		for _, id := range v.Failed {
			failures[id]++
		}
	}

	counts := make(map[domain.RuleID]domain.RuleCounts, len(rules))
	for _, id := range rules {
		counts[id] = domain.RuleCounts{Passed: len(verdicts) - failures[id], Failed: failures[id]}
	}
	res.Summary = domain.RuleOutcomeSummary{
		BatchID:          batch.ID,
		Source:           batch.Source,
		Total:            len(verdicts),
		Accepted:         len(res.Accepted),
		Rejected:         len(res.Rejected),
		Incomplete:       batch.Incomplete,
		IncompleteReason: batch.IncompleteReason,
		Rules:            counts,
		CreatedAt:        r.now().UTC(),
	}
	return res
}

// validateAll fills verdicts by index so the output order matches the input
// regardless of which worker finishes first.
func (r *Router) validateAll(records []domain.Record) []domain.Verdict {
	verdicts := make([]domain.Verdict, len(records))
	if len(records) == 0 {
		return verdicts
	}

	chunk := (len(records) + r.workers - 1) / r.workers
	if chunk < minChunk {
		chunk = minChunk
	}
	if chunk >= len(records) {
		for i, rec := range records {
			verdicts[i] = r.validator.Validate(rec)
		}
		return verdicts
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for start := 0; start < len(records); start += chunk {
		end := min(start+chunk, len(records))
		g.Go(func() error {
			for i := start; i < end; i++ {
				verdicts[i] = r.validator.Validate(records[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return verdicts
}
