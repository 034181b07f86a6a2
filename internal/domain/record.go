package domain

import (
	"strconv"
	"strings"
)

// Record is one movie-rating row as read from an input file. Fields keep the
// raw column text so rejected rows can be quarantined exactly as received.
type Record struct {
	Line         int
	Title        string
	ReleasedYear string
	Genre        string
	Rating       string
}

// Year parses the released_year column.
func (r Record) Year() (int, error) {
	return strconv.Atoi(strings.TrimSpace(r.ReleasedYear))
}

// Score parses the rating column.
func (r Record) Score() (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(r.Rating), 64)
}

// RuleID identifies a single data-quality rule.
type RuleID string

// Verdict is the outcome of validating one record.
type Verdict struct {
	Record Record
	Failed []RuleID
}

// Passed reports whether no rule failed.
func (v Verdict) Passed() bool {
	return len(v.Failed) == 0
}

// Batch is the ordered set of records read from one input unit.
type Batch struct {
	ID               string
	Source           string
	Records          []Record
	Incomplete       bool
	IncompleteReason string
}
