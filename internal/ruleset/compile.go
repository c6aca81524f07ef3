package ruleset

import (
	"sort"

	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// CompiledRule is the engine-internal projection of a rule: its type, its
// allotment in seconds, and the flattened set of sites it covers. The
// scheduler only ever touches compiled rules; group nesting is never
// re-walked at tick time.
type CompiledRule struct {
	ID              string
	Type            domain.RuleType
	TimeLimitSecs   int
	PlusOnes        int
	PlusOneDuration int // seconds
	Sites           SiteSet
}

// TotalAllowance is the rule's base allotment plus, for soft rules, all
// potential extension time, in seconds.
func (c CompiledRule) TotalAllowance() int {
	total := c.TimeLimitSecs
	if c.Type == domain.RuleSoft {
		total += c.PlusOnes * c.PlusOneDuration
	}
	return total
}

// Covers reports whether the rule covers the given site.
func (c CompiledRule) Covers(site domain.SiteID) bool {
	_, ok := c.Sites[site]
	return ok
}

// Index holds every compiled rule plus a reverse map from site identifier
// to the ids of the rules covering it. Rebuilt whenever rules or groups
// change.
type Index struct {
	Rules   map[string]CompiledRule
	Reverse map[domain.SiteID][]string
}

// Compile builds the index. Rules with missing group references still
// compile with whatever targets resolve; nothing halts compilation of the
// remaining rules.
func Compile(rules []domain.Rule, groups []domain.Group, logger *zap.Logger) *Index {
	byID := make(map[string]domain.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}

	idx := &Index{
		Rules:   make(map[string]CompiledRule, len(rules)),
		Reverse: make(map[domain.SiteID][]string),
	}

	for _, r := range rules {
		c := CompiledRule{
			ID:              r.ID,
			Type:            r.Type,
			TimeLimitSecs:   r.TimeLimit * 60,
			PlusOnes:        r.PlusOnes,
			PlusOneDuration: r.PlusOneDuration,
			Sites:           Expand(r.Targets, byID, logger),
		}
		idx.Rules[r.ID] = c
		for site := range c.Sites {
			idx.Reverse[site] = append(idx.Reverse[site], r.ID)
		}
	}

	// Deterministic reverse-index order keeps selection stable across
	// recompiles.
	for site := range idx.Reverse {
		sort.Strings(idx.Reverse[site])
	}

	return idx
}
