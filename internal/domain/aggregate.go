package domain

import "time"

// AggregateRow is one entry of the movie count summary.
type AggregateRow struct {
	ReleasedYear int    `json:"releasedYear" yaml:"releasedYear"`
	Genre        string `json:"genre" yaml:"genre"`
	MovieCount   int64  `json:"movieCount" yaml:"movieCount"`
}

// AggregateFilter narrows an aggregate query. Nil fields match everything.
type AggregateFilter struct {
	Year  *int
	Genre *string
}

// AggregateView is the stored aggregate together with the refresh that
// produced it. Generation grows by one on every successful refresh; zero
// means the aggregate was never computed.
type AggregateView struct {
	Rows        []AggregateRow
	Generation  uint64
	RefreshedAt time.Time
}
