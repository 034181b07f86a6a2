package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// AggregatesRepository owns the movie_counts_by_year_genre materialized view
// and the aggregate_refreshes stamp that numbers its refreshes. The pair is
// the aggregate of record shared by every process using the database.
type AggregatesRepository struct {
	pool *pgxpool.Pool
}

// Refresh recomputes the materialized view, bumps the refresh stamp and
// returns the new contents, all in one transaction.
func (r *AggregatesRepository) Refresh(ctx context.Context) (domain.AggregateView, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.AggregateView{}, fmt.Errorf("begin refresh tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `REFRESH MATERIALIZED VIEW movie_counts_by_year_genre`); err != nil {
		return domain.AggregateView{}, fmt.Errorf("refresh materialized view: %w", err)
	}

	const bump = `
        UPDATE aggregate_refreshes
        SET generation = generation + 1, refreshed_at = now()
        RETURNING generation, refreshed_at
    `
	var view domain.AggregateView
	if err := scanStamp(tx.QueryRow(ctx, bump), &view); err != nil {
		return domain.AggregateView{}, fmt.Errorf("bump refresh stamp: %w", err)
	}
	if view.Rows, err = selectCounts(ctx, tx); err != nil {
		return domain.AggregateView{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.AggregateView{}, fmt.Errorf("commit refresh tx: %w", err)
	}
	return view, nil
}

// Latest reads the stored view and its stamp from one consistent snapshot
// without recomputing anything. A view that was never refreshed comes back
// empty with generation zero.
func (r *AggregatesRepository) Latest(ctx context.Context) (domain.AggregateView, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return domain.AggregateView{}, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var view domain.AggregateView
	if err := scanStamp(tx.QueryRow(ctx, `SELECT generation, refreshed_at FROM aggregate_refreshes`), &view); err != nil {
		return domain.AggregateView{}, fmt.Errorf("read refresh stamp: %w", err)
	}
	if view.Generation == 0 {
		view.Rows = []domain.AggregateRow{}
		return view, nil
	}
	if view.Rows, err = selectCounts(ctx, tx); err != nil {
		return domain.AggregateView{}, err
	}
	return view, nil
}

// Generation returns the current refresh stamp.
func (r *AggregatesRepository) Generation(ctx context.Context) (uint64, error) {
	var gen int64
	if err := r.pool.QueryRow(ctx, `SELECT generation FROM aggregate_refreshes`).Scan(&gen); err != nil {
		return 0, fmt.Errorf("read refresh stamp: %w", err)
	}
	return uint64(gen), nil
}

func scanStamp(row pgx.Row, view *domain.AggregateView) error {
	var (
		gen int64
		at  time.Time
	)
	if err := row.Scan(&gen, &at); err != nil {
		return err
	}
	view.Generation = uint64(gen)
	view.RefreshedAt = at.UTC()
	return nil
}

func selectCounts(ctx context.Context, tx pgx.Tx) ([]domain.AggregateRow, error) {
	const query = `
        SELECT released_year, genre, movie_count
        FROM movie_counts_by_year_genre
        ORDER BY released_year, genre
    `
	rows, err := tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query movie counts: %w", err)
	}
	defer rows.Close()

	results := make([]domain.AggregateRow, 0)
	for rows.Next() {
		var row domain.AggregateRow
		if err := rows.Scan(&row.ReleasedYear, &row.Genre, &row.MovieCount); err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
