package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// RatingsRepository appends accepted records to the durable movie_ratings
// table. There is no natural key: the same record loaded twice is stored twice.
type RatingsRepository struct {
	pool *pgxpool.Pool
}

var ratingColumns = []string{"batch_id", "title", "released_year", "genre", "rating"}

type ratingRow struct {
	title  string
	year   int
	genre  string
	rating float64
}

func toRatingRow(rec domain.Record) (ratingRow, error) {
	year, err := rec.Year()
	if err != nil {
		return ratingRow{}, fmt.Errorf("%w: line %d: released_year %q", domain.ErrRowRejected, rec.Line, rec.ReleasedYear)
	}
	score, err := rec.Score()
	if err != nil {
		return ratingRow{}, fmt.Errorf("%w: line %d: rating %q", domain.ErrRowRejected, rec.Line, rec.Rating)
	}
	return ratingRow{
		title:  strings.TrimSpace(rec.Title),
		year:   year,
		genre:  strings.TrimSpace(rec.Genre),
		rating: score,
	}, nil
}

// CopyRatings bulk-loads records with COPY. The copy is all-or-nothing.
func (r *RatingsRepository) CopyRatings(ctx context.Context, batchID string, records []domain.Record) (int64, error) {
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		row, err := toRatingRow(rec)
		if err != nil {
			return 0, err
		}
		rows = append(rows, []any{batchUUID(batchID), row.title, row.year, row.genre, row.rating})
	}

	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"movie_ratings"}, ratingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("copy ratings: %w", classifyRowError(err))
	}
	return n, nil
}

// InsertRating appends a single record.
func (r *RatingsRepository) InsertRating(ctx context.Context, batchID string, rec domain.Record) error {
	const query = `
        INSERT INTO movie_ratings (batch_id, title, released_year, genre, rating)
        VALUES ($1,$2,$3,$4,$5)
    `
	row, err := toRatingRow(rec)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, batchUUID(batchID), row.title, row.year, row.genre, row.rating); err != nil {
		return fmt.Errorf("insert rating line %d: %w", rec.Line, classifyRowError(err))
	}
	return nil
}

// Count returns the number of stored ratings.
func (r *RatingsRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM movie_ratings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ratings: %w", err)
	}
	return n, nil
}

// batchUUID converts a batch identifier for uuid columns; anything that is
// not a UUID is stored as NULL.
func batchUUID(id string) pgtype.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}
