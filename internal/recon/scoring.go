package recon

import (
	"sort"

	"github.com/relay-crm/relay/internal/billing"
)

// ScoreTarget is the payment being matched during a manual search.
type ScoreTarget struct {
	Ref    string
	Amount int64
}

// ScoreRule is one (predicate, weight) pair of the candidate ranking policy.
type ScoreRule struct {
	Name   string
	Weight int
	Match  func(inv billing.Invoice, target ScoreTarget) bool
}

// ScorePolicy is an ordered list of scoring rules. Keeping the magic
// constants here, named, makes the ranking independently testable and
// tunable.
type ScorePolicy struct {
	Rules []ScoreRule
}

// nearBalanceTolerance is one currency unit in minor units.
const nearBalanceTolerance = 100

// DefaultScorePolicy returns the ranking used by the manual search tool.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{Rules: []ScoreRule{
		{
			Name:   "same_reference",
			Weight: 200,
			Match: func(inv billing.Invoice, t ScoreTarget) bool {
				return t.Ref != "" && inv.ExternalRef == t.Ref
			},
		},
		{
			Name:   "exact_balance",
			Weight: 100,
			Match: func(inv billing.Invoice, t ScoreTarget) bool {
				return inv.Remaining == t.Amount
			},
		},
		{
			Name:   "near_balance",
			Weight: 50,
			Match: func(inv billing.Invoice, t ScoreTarget) bool {
				diff := inv.Remaining - t.Amount
				if diff < 0 {
					diff = -diff
				}
				return diff > 0 && diff <= nearBalanceTolerance
			},
		},
		{
			Name:   "not_paid",
			Weight: 10,
			Match: func(inv billing.Invoice, t ScoreTarget) bool {
				return inv.Status != billing.StatusPaid
			},
		},
	}}
}

// Candidate is a ranked invoice with the projected effect of applying the
// payment to it.
type Candidate struct {
	Invoice        billing.Invoice `json:"invoice"`
	Score          int             `json:"score"`
	MatchedRules   []string        `json:"matched_rules"`
	RemainingAfter int64           `json:"remaining_after"`
	WouldBePaid    bool            `json:"would_be_paid"`
}

// Rank scores every invoice against the target and returns candidates in
// descending score order.
func (p ScorePolicy) Rank(invoices []billing.Invoice, target ScoreTarget) []Candidate {
	candidates := make([]Candidate, 0, len(invoices))
	for _, inv := range invoices {
		c := Candidate{Invoice: inv}
		for _, rule := range p.Rules {
			if rule.Match(inv, target) {
				c.Score += rule.Weight
				c.MatchedRules = append(c.MatchedRules, rule.Name)
			}
		}
		totalAfter := inv.TotalPaid + target.Amount
		c.RemainingAfter = billing.RemainingBalance(inv.Amount, totalAfter)
		c.WouldBePaid = totalAfter >= inv.Amount
		candidates = append(candidates, c)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	return candidates
}
