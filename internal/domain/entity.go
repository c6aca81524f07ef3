// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// SiteID is a normalized hostname used as the tracking and matching key.
// See sitename.Normalize for the normalization rules.
type SiteID string

// RuleType identifies the enforcement behavior of a rule.
type RuleType string

const (
	// RuleHard blocks the site outright once the limit is spent.
	RuleHard RuleType = "hard"
	// RuleSoft allows a bounded number of timed extensions past the limit.
	RuleSoft RuleType = "soft"
	// RuleSession prompts for a per-visit limit on the first visit of a day.
	RuleSession RuleType = "session"
)

// TargetType distinguishes direct site targets from group references.
type TargetType string

const (
	TargetURL   TargetType = "url"
	TargetGroup TargetType = "group"
)

// Target is one entry in a rule's target list or a group's item list.
// For TargetURL, ID is a raw URL or hostname; for TargetGroup, ID is a
// group id.
type Target struct {
	Type TargetType `json:"type"`
	ID   string     `json:"id"`
}

// Group is a named, possibly nested, collection of sites and other groups.
// Authored externally; read-only to the engine.
type Group struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Items []Target `json:"items"`
}

// Rule is a time-limit policy applied to one or more targets.
// PlusOnes/PlusOneDuration are meaningful only for RuleSoft; TimeLimit is
// ignored for RuleSession (the limit is chosen interactively per visit).
type Rule struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	Type            RuleType `json:"type"`
	Targets         []Target `json:"targets"`
	TimeLimit       int      `json:"timeLimit"`                 // minutes
	PlusOnes        int      `json:"plusOnes,omitempty"`        // soft only
	PlusOneDuration int      `json:"plusOneDuration,omitempty"` // seconds, soft only
}

// UsageRecord tracks accumulated viewing time for one site within the
// current tracking day. TimeSpent only resets at a reset-boundary crossing.
type UsageRecord struct {
	Site        SiteID    `json:"site"`
	TimeSpent   int       `json:"timeSpent"` // seconds
	TimeLimit   int       `json:"timeLimit"` // seconds
	LastUpdated time.Time `json:"lastUpdated"`
}

// SyncPayload is the fire-and-forget durable write. It carries the full
// current usage record, never a delta, so repeated writes are idempotent.
type SyncPayload struct {
	UserID      string    `json:"userId"`
	DeviceID    string    `json:"deviceId"`
	FlushID     string    `json:"flushId"`
	Site        SiteID    `json:"site"`
	TimeSpent   int       `json:"timeSpent"`
	TimeLimit   int       `json:"timeLimit"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// TabRef identifies a host browser tab showing a tracked site.
type TabRef struct {
	TabID int
	Site  SiteID
}

// TabEvent is an inbound host event that drives scheduler transitions.
type TabEvent struct {
	Kind     TabEventKind
	TabID    int
	Site     SiteID // focused/blurred site, or navigation destination
	PrevSite SiteID // navigation origin only
}

// TabEventKind enumerates the inbound host events.
type TabEventKind string

const (
	TabFocused        TabEventKind = "tab-focused"
	TabBlurred        TabEventKind = "tab-blurred"
	TabNavigated      TabEventKind = "tab-navigated"
	TabRemoved        TabEventKind = "tab-removed"
	WindowFocusLost   TabEventKind = "window-focus-lost"
	WindowFocusGained TabEventKind = "window-focus-gained"
)
