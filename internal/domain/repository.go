package domain

import (
	"context"
	"time"
)

// UsageStore provides durable local per-site usage state.
// Implementation: SQLCipher encrypted SQLite database.
type UsageStore interface {
	// Get returns the usage record for a site, or nil if none exists.
	Get(ctx context.Context, site SiteID) (*UsageRecord, error)

	// Put writes (inserts or replaces) a usage record.
	Put(ctx context.Context, rec UsageRecord) error

	// All returns every stored usage record, for status display.
	All(ctx context.Context) ([]UsageRecord, error)

	// GetMeta / SetMeta access engine-level key/value state (device id,
	// reset time override).
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Close releases the database connection.
	Close() error
}

// RuleSource provides the externally authored rules and groups, and
// notifies when they change so the compiled index can be rebuilt.
type RuleSource interface {
	// Load reads the current rules and groups.
	Load(ctx context.Context) ([]Rule, []Group, error)

	// Changes returns a channel that receives a value whenever the
	// authored rules/groups change. The channel is closed on shutdown.
	Changes() <-chan struct{}
}

// SyncTransport dispatches fire-and-forget durable writes to the remote
// store. Write returns an error only when the dispatch itself fails
// synchronously (channel unavailable); asynchronous delivery failures are
// absorbed by the next interval's full-record write.
type SyncTransport interface {
	Write(ctx context.Context, payload SyncPayload) error
}

// TabProbe answers liveness questions about host browser tabs.
// Implementation: host bridge tracking the extension's reported tab state.
type TabProbe interface {
	// IsActive reports whether tabID still exists and is the focused,
	// visible, topmost tab.
	IsActive(ctx context.Context, tabID int) (bool, error)

	// CurrentSite returns the tab that should resume tracking after a
	// restart, if any.
	CurrentSite(ctx context.Context) (*TabRef, error)
}

// Presenter is the seam to the presentation layer. The engine emits
// enforcement events through it; decisions come back via the scheduler's
// decision methods.
type Presenter interface {
	// ShowSessionPrompt asks the user to commit a per-visit limit for a
	// session-rule site on its first visit of the tracking day.
	ShowSessionPrompt(site SiteID)

	// ShowSoftLimitExhausted tells the user the base allotment (plus any
	// consumed extensions) is spent, with what is left to snooze.
	ShowSoftLimitExhausted(ruleID string, remainingExtensions, extensionDurationSecs int)

	// HardLimitReached tells the user the site is blocked until the next
	// reset boundary.
	HardLimitReached(ruleID string)

	// UsageUpdated streams incremental usage for live badge display.
	UsageUpdated(rec UsageRecord)

	// RulesRecompiled signals that the compiled rule index changed.
	RulesRecompiled()
}

// HostProbe checks that the host environment the engine is attached to is
// still valid. Implementation: gopsutil watch on the browser process.
type HostProbe interface {
	// Alive reports whether the host context is still valid.
	Alive() bool
}

// Clock abstracts wall time so boundary math is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
