package domain

import "time"

// RuleCounts holds how many records passed and failed a rule.
type RuleCounts struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// RuleOutcomeSummary aggregates rule results for one batch.
type RuleOutcomeSummary struct {
	BatchID          string                `json:"batchId"`
	Source           string                `json:"source"`
	Total            int                   `json:"total"`
	Accepted         int                   `json:"accepted"`
	Rejected         int                   `json:"rejected"`
	Incomplete       bool                  `json:"incomplete"`
	IncompleteReason string                `json:"incompleteReason,omitempty"`
	Rules            map[RuleID]RuleCounts `json:"rules"`
	CreatedAt        time.Time             `json:"createdAt"`
}
