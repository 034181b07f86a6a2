package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/store"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("repository: not found")

// Repository aggregates all domain-specific repositories.
type Repository struct {
	Ratings    *RatingsRepository
	Quarantine *QuarantineRepository
	Aggregates *AggregatesRepository
}

// New constructs a Repository backed by the provided store.
func New(st *store.Store) *Repository {
	return NewWithPool(st.Pool())
}

// NewWithPool allows constructing repositories directly from a pgx pool.
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{
		Ratings:    &RatingsRepository{pool: pool},
		Quarantine: &QuarantineRepository{pool: pool},
		Aggregates: &AggregatesRepository{pool: pool},
	}
}

// classifyRowError wraps errors caused by the row's content with
// domain.ErrRowRejected; anything else (connectivity, timeouts) is left as is.
func classifyRowError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgerrcode.IsDataException(pgErr.Code) || pgerrcode.IsIntegrityConstraintViolation(pgErr.Code) {
			return fmt.Errorf("%w: %s (%s)", domain.ErrRowRejected, pgErr.Message, pgErr.Code)
		}
	}
	return err
}
