// Package quality evaluates movie-rating records against data-quality rules.
package quality

import (
	"math"
	"strings"
	"time"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

const (
	RuleRatingRange       domain.RuleID = "rating_range"
	RuleReleasedYearRange domain.RuleID = "released_year_range"
	RuleTitleNonEmpty     domain.RuleID = "title_nonempty"
	RuleGenreNonEmpty     domain.RuleID = "genre_nonempty"
)

const (
	MinRating       = 0.0
	MaxRating       = 10.0
	MinReleasedYear = 1870
)

// Predicate reports whether a record satisfies a rule.
type Predicate func(domain.Record) bool

// RuleSet maps rule identifiers to their predicates.
type RuleSet map[domain.RuleID]Predicate

// DefaultRules returns the standard rule set. now supplies the clock used for
// the upper released-year bound (current year + 1).
func DefaultRules(now func() time.Time) RuleSet {
	if now == nil {
		now = time.Now
	}
	return RuleSet{
		RuleRatingRange:       ratingInRange,
		RuleReleasedYearRange: releasedYearInRange(now),
		RuleTitleNonEmpty:     func(r domain.Record) bool { return nonEmpty(r.Title) },
		RuleGenreNonEmpty:     func(r domain.Record) bool { return nonEmpty(r.Genre) },
	}
}

func ratingInRange(r domain.Record) bool {
	score, err := r.Score()
	if err != nil || math.IsNaN(score) {
		return false
	}
	return score >= MinRating && score <= MaxRating
}

func releasedYearInRange(now func() time.Time) Predicate {
	return func(r domain.Record) bool {
		year, err := r.Year()
		if err != nil {
			return false
		}
		return year >= MinReleasedYear && year <= now().Year()+1
	}
}

func nonEmpty(value string) bool {
	return strings.TrimSpace(value) != ""
}
