package quality

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

// ErrEmptyRuleSet is returned when a validator is built without rules.
var ErrEmptyRuleSet = errors.New("quality: rule set is empty")

// Validator applies a fixed rule set to records. It is safe for concurrent use.
type Validator struct {
	ids   []domain.RuleID
	rules RuleSet
}

// NewValidator copies rules into a validator. Rules are evaluated in
// identifier order so verdicts are deterministic.
func NewValidator(rules RuleSet) (*Validator, error) {
	if len(rules) == 0 {
		return nil, ErrEmptyRuleSet
	}
	copied := make(RuleSet, len(rules))
	ids := make([]domain.RuleID, 0, len(rules))
	for id, pred := range rules {
		if id == "" {
			return nil, fmt.Errorf("quality: rule with empty identifier")
		}
		if pred == nil {
			return nil, fmt.Errorf("quality: rule %q has no predicate", id)
		}
		copied[id] = pred
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &Validator{ids: ids, rules: copied}, nil
}

// Rules returns the rule identifiers in evaluation order.
func (v *Validator) Rules() []domain.RuleID {
	out := make([]domain.RuleID, len(v.ids))
	copy(out, v.ids)
	return out
}

// Validate evaluates every rule against the record and lists the failures.
func (v *Validator) Validate(record domain.Record) domain.Verdict {
	verdict := domain.Verdict{Record: record}
	for _, id := range v.ids {
		if !v.rules[id](record) {
			verdict.Failed = append(verdict.Failed, id)
		}
	}
	return verdict
}
