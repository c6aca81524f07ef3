package ruleset

import "github.com/quarterlit/sitecap/internal/domain"

// typeRank orders rule types for tie-breaking: hard beats soft because it
// carries no extension ambiguity. Session rules are never candidates here;
// they take the interactive prompt path instead of ongoing accumulation.
func typeRank(t domain.RuleType) int {
	switch t {
	case domain.RuleHard:
		return 0
	case domain.RuleSoft:
		return 1
	default:
		return 2
	}
}

// Select returns the id of the most restrictive non-session rule covering
// site, or "" if none applies. The most restrictive rule is the one with
// the smallest total allowance; ties break on type rank (hard first), then
// on the smaller base limit.
func Select(site domain.SiteID, idx *Index) string {
	candidates := idx.Reverse[site]
	if len(candidates) == 0 {
		// Reverse index may be stale relative to the rule map; fall back
		// to scanning every compiled rule's site set.
		for id, c := range idx.Rules {
			if c.Covers(site) {
				candidates = append(candidates, id)
			}
		}
	}

	best := ""
	for _, id := range candidates {
		c, ok := idx.Rules[id]
		if !ok || c.Type == domain.RuleSession || c.TimeLimitSecs <= 0 {
			continue
		}
		if best == "" || moreRestrictive(c, idx.Rules[best]) {
			best = id
		}
	}
	return best
}

// moreRestrictive reports whether a should be selected over b.
func moreRestrictive(a, b CompiledRule) bool {
	if a.TotalAllowance() != b.TotalAllowance() {
		return a.TotalAllowance() < b.TotalAllowance()
	}
	if typeRank(a.Type) != typeRank(b.Type) {
		return typeRank(a.Type) < typeRank(b.Type)
	}
	return a.TimeLimitSecs < b.TimeLimitSecs
}

// SessionRuleFor returns the id of a session rule covering site, or "".
// Used by the scheduler to decide whether a first visit of the day should
// show the session prompt.
func SessionRuleFor(site domain.SiteID, idx *Index) string {
	for _, id := range idx.Reverse[site] {
		if c, ok := idx.Rules[id]; ok && c.Type == domain.RuleSession {
			return id
		}
	}
	return ""
}
