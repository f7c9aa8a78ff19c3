package recon

import (
	"strings"

	"github.com/relay-crm/relay/internal/billing"
)

// MatchPolicy configures how a payer's billing email is bridged to stored
// client emails, and in which order invoice provenance tiers are searched.
// The variant rules are deliberately data, not code: they encode
// organization-specific habits (free-mail vs company-domain accounts,
// numeric suffixes) of unverified general correctness.
type MatchPolicy struct {
	// StripPlusTag drops a "+tag" suffix from the local part.
	StripPlusTag bool
	// StripDigitSuffix drops trailing digits from the local part.
	StripDigitSuffix bool
	// DomainGroups are sets of interchangeable domains; an address in one
	// domain of a group generates a variant per sibling domain.
	DomainGroups [][]string
	// SourceTiers is the provenance order tried when several open invoices
	// share the payment amount.
	SourceTiers []billing.Source
}

// DefaultMatchPolicy returns the policy used in production.
func DefaultMatchPolicy() MatchPolicy {
	return MatchPolicy{
		StripPlusTag:     true,
		StripDigitSuffix: true,
		DomainGroups: [][]string{
			{"gmail.com", "googlemail.com"},
		},
		SourceTiers: []billing.Source{
			billing.SourcePaymentLink,
			billing.SourceCRMImport,
		},
	}
}

// EmailVariants builds the set of plausible stored-email spellings for an
// observed payer address. The observed address itself is always included.
// All variants are lowercase; the empty input yields nil.
func (p MatchPolicy) EmailVariants(email string) []string {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return nil
	}

	locals := map[string]struct{}{local: {}}
	if p.StripPlusTag {
		if base, _, found := strings.Cut(local, "+"); found && base != "" {
			locals[base] = struct{}{}
		}
	}
	if p.StripDigitSuffix {
		for l := range locals {
			if trimmed := strings.TrimRight(l, "0123456789"); trimmed != "" && trimmed != l {
				locals[trimmed] = struct{}{}
			}
		}
	}

	domains := map[string]struct{}{domain: {}}
	for _, group := range p.DomainGroups {
		var member bool
		for _, d := range group {
			if d == domain {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		for _, d := range group {
			domains[d] = struct{}{}
		}
	}

	seen := make(map[string]struct{}, len(locals)*len(domains))
	variants := make([]string, 0, len(locals)*len(domains))
	appendVariant := func(v string) {
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
	}
	appendVariant(email)
	for l := range locals {
		for d := range domains {
			appendVariant(l + "@" + d)
		}
	}
	return variants
}

// SelectUnambiguous walks the provenance tiers over a candidate set and
// returns the single match, if any. More than one match within a tier means
// the engine must decline rather than guess.
func (p MatchPolicy) SelectUnambiguous(candidates []billing.Invoice) (*billing.Invoice, OutcomeStatus) {
	tiers := make([][]billing.Invoice, len(p.SourceTiers)+1)
	for _, inv := range candidates {
		for i, src := range p.SourceTiers {
			if inv.Source == src {
				tiers[i] = append(tiers[i], inv)
				break
			}
		}
	}
	// The final tier is "any open invoice": it sees the whole set, not just
	// the leftovers, so two invoices of mixed provenance still count as a
	// tie when no earlier tier resolved.
	tiers[len(p.SourceTiers)] = candidates

	for _, tier := range tiers {
		switch len(tier) {
		case 0:
			continue
		case 1:
			inv := tier[0]
			return &inv, OutcomeRecorded
		default:
			return nil, OutcomeAmbiguous
		}
	}
	return nil, OutcomeNoMatch
}
