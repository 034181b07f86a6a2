package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// QuarantineRepository stores rejected records and per-batch rule summaries.
type QuarantineRepository struct {
	pool *pgxpool.Pool
}

var quarantineColumns = []string{"batch_id", "line", "title", "released_year", "genre", "rating", "failed_rules"}

// QuarantinedRecord is a stored rejected record.
type QuarantinedRecord struct {
	Record        domain.Record
	FailedRules   []domain.RuleID
	QuarantinedAt time.Time
}

// SaveBatch writes the summary and the rejected records of one batch in a
// single transaction, so audits never see a summary without its rows.
func (r *QuarantineRepository) SaveBatch(ctx context.Context, summary domain.RuleOutcomeSummary, rejected []domain.Verdict) error {
	rules, err := json.Marshal(summary.Rules)
	if err != nil {
		return fmt.Errorf("marshal rule summary: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin quarantine tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSummary = `
        INSERT INTO rule_outcome_summaries
            (batch_id, source, total, accepted, rejected, incomplete, incomplete_reason, rules, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    `
	var reason *string
	if summary.IncompleteReason != "" {
		text := storableText(summary.IncompleteReason)
		reason = &text
	}
	if _, err := tx.Exec(ctx, insertSummary,
		batchUUID(summary.BatchID),
		storableText(summary.Source),
		summary.Total,
		summary.Accepted,
		summary.Rejected,
		summary.Incomplete,
		reason,
		string(rules),
		summary.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert rule summary: %w", err)
	}

	if len(rejected) > 0 {
		rows := make([][]any, 0, len(rejected))
		for _, v := range rejected {
			rows = append(rows, []any{
				batchUUID(summary.BatchID),
				v.Record.Line,
				storableText(v.Record.Title),
				storableText(v.Record.ReleasedYear),
				storableText(v.Record.Genre),
				storableText(v.Record.Rating),
				ruleStrings(v.Failed),
			})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"quarantined_records"}, quarantineColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy quarantined records: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit quarantine tx: %w", err)
	}
	return nil
}

// GetSummary loads the rule summary of a batch.
func (r *QuarantineRepository) GetSummary(ctx context.Context, batchID string) (domain.RuleOutcomeSummary, error) {
	const query = `
        SELECT batch_id::text, source, total, accepted, rejected, incomplete,
               COALESCE(incomplete_reason, ''), rules, created_at
        FROM rule_outcome_summaries
        WHERE batch_id = $1
    `
	id := batchUUID(batchID)
	if !id.Valid {
		return domain.RuleOutcomeSummary{}, ErrNotFound
	}

	var (
		summary domain.RuleOutcomeSummary
		rules   []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&summary.BatchID,
		&summary.Source,
		&summary.Total,
		&summary.Accepted,
		&summary.Rejected,
		&summary.Incomplete,
		&summary.IncompleteReason,
		&rules,
		&summary.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RuleOutcomeSummary{}, ErrNotFound
		}
		return domain.RuleOutcomeSummary{}, fmt.Errorf("get rule summary: %w", err)
	}
	if err := json.Unmarshal(rules, &summary.Rules); err != nil {
		return domain.RuleOutcomeSummary{}, fmt.Errorf("decode rule summary: %w", err)
	}
	return summary, nil
}

// ListRejected returns up to limit quarantined records of a batch in source
// line order.
func (r *QuarantineRepository) ListRejected(ctx context.Context, batchID string, limit int) ([]QuarantinedRecord, error) {
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	const query = `
        SELECT line, title, released_year, genre, rating, failed_rules, quarantined_at
        FROM quarantined_records
        WHERE batch_id = $1
        ORDER BY line, id
        LIMIT $2
    `
	id := batchUUID(batchID)
	if !id.Valid {
		return nil, ErrNotFound
	}

	rows, err := r.pool.Query(ctx, query, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantined records: %w", err)
	}
	defer rows.Close()

	results := make([]QuarantinedRecord, 0)
	for rows.Next() {
		var (
			rec   QuarantinedRecord
			rules []string
		)
		if err := rows.Scan(
			&rec.Record.Line,
			&rec.Record.Title,
			&rec.Record.ReleasedYear,
			&rec.Record.Genre,
			&rec.Record.Rating,
			&rules,
			&rec.QuarantinedAt,
		); err != nil {
			return nil, err
		}
		for _, id := range rules {
			rec.FailedRules = append(rec.FailedRules, domain.RuleID(id))
		}
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// storableText replaces NUL bytes and invalid UTF-8 with U+FFFD, since
// Postgres text columns accept neither.
func storableText(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "\uFFFD")
}

func ruleStrings(ids []domain.RuleID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
