// Package ruleset compiles authored rules and groups into the index the
// scheduler consumes, and selects the applicable rule for a site.
package ruleset

import (
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/sitename"
)

// SiteSet is a de-duplicated set of site identifiers.
type SiteSet map[domain.SiteID]struct{}

// Expand flattens a rule's targets into the set of site identifiers they
// cover. Group references expand recursively; a missing group is skipped,
// and a group encountered twice on one branch (a cycle) expands to nothing
// so traversal always terminates. No side effects.
func Expand(targets []domain.Target, groups map[string]domain.Group, logger *zap.Logger) SiteSet {
	out := make(SiteSet)
	visited := make(map[string]bool)
	for _, t := range targets {
		expandInto(out, t, groups, visited, logger)
	}
	return out
}

func expandInto(out SiteSet, t domain.Target, groups map[string]domain.Group, visited map[string]bool, logger *zap.Logger) {
	switch t.Type {
	case domain.TargetURL:
		if site := sitename.Normalize(t.ID); site != "" {
			out[site] = struct{}{}
		}

	case domain.TargetGroup:
		if visited[t.ID] {
			// Cycle: this branch contributes nothing.
			logger.Warn("group cycle detected, skipping branch", zap.String("group", t.ID))
			return
		}
		g, ok := groups[t.ID]
		if !ok {
			logger.Warn("rule references missing group", zap.String("group", t.ID))
			return
		}
		visited[t.ID] = true
		for _, item := range g.Items {
			expandInto(out, item, groups, visited, logger)
		}
		delete(visited, t.ID)

	default:
		logger.Warn("unknown target type", zap.String("type", string(t.Type)))
	}
}

// WouldCycle reports whether adding candidate as an item of groupID would
// create a cycle, for validation before an authoring change is persisted.
func WouldCycle(groupID string, candidate domain.Target, groups map[string]domain.Group) bool {
	if candidate.Type != domain.TargetGroup {
		return false
	}
	// A cycle exists iff groupID is reachable from the candidate group.
	return reaches(candidate.ID, groupID, groups, make(map[string]bool))
}

func reaches(from, to string, groups map[string]domain.Group, visited map[string]bool) bool {
	if from == to {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true
	g, ok := groups[from]
	if !ok {
		return false
	}
	for _, item := range g.Items {
		if item.Type == domain.TargetGroup && reaches(item.ID, to, groups, visited) {
			return true
		}
	}
	return false
}
