// Package scheduler owns the single active per-second timer and the
// enforcement decisions driven by it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/dayreset"
	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/ruleset"
)

// Config holds scheduler timing parameters.
type Config struct {
	TickInterval time.Duration
	ResetTime    dayreset.ResetTime
}

// DefaultConfig returns the production configuration: one tick per second,
// tracking days starting at 04:00.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		ResetTime:    dayreset.Default,
	}
}

// activeTimer is the process-wide singleton bound to the one tab being
// tracked. Owned exclusively by the scheduler; nothing else creates or
// clears the tick handle.
type activeTimer struct {
	tabID     int
	site      domain.SiteID
	ruleID    string // "" when tracking an initialized record without a hard/soft rule
	startedAt time.Time
	gen       uint64
	stop      chan struct{}
	rec       *domain.UsageRecord
}

// pendingPrompt remembers the tab a soft-limit or session prompt was shown
// for, so the presenter's decision can resume it.
type pendingPrompt struct {
	tabID  int
	site   domain.SiteID
	ruleID string
}

// StopFlushFunc receives the final usage record and unsynced-second count
// when a timer stops, for an immediate best-effort durable flush.
type StopFlushFunc func(ctx context.Context, rec domain.UsageRecord, unsynced int)

// Scheduler is the active-timer state machine. At most one timer runs at
// any moment; every transition funnels through its methods.
type Scheduler struct {
	cfg       Config
	store     domain.UsageStore
	tabs      domain.TabProbe
	presenter domain.Presenter
	clock     domain.Clock
	logger    *zap.Logger
	stopFlush StopFlushFunc

	mu       sync.Mutex
	idx      *ruleset.Index
	active   *activeTimer
	nextGen  uint64
	startSeq uint64 // bumped at every synchronous clear; guards racing starts
	unsynced int    // seconds ticked since the last flush dispatch

	stateDay       time.Time                // boundary the per-day state below belongs to
	blocked        map[domain.SiteID]string // site -> rule id that blocked it
	snoozeUsed     map[string]int           // rule id -> extensions consumed today
	pendingSoft    *pendingPrompt
	pendingSession *pendingPrompt
}

// New creates a scheduler. The stop-flush hook may be nil until wiring
// completes; SetStopFlush installs it.
func New(cfg Config, store domain.UsageStore, tabs domain.TabProbe, presenter domain.Presenter, clock domain.Clock, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		tabs:       tabs,
		presenter:  presenter,
		clock:      clock,
		logger:     logger,
		idx:        ruleset.Compile(nil, nil, logger),
		blocked:    make(map[domain.SiteID]string),
		snoozeUsed: make(map[string]int),
	}
}

// SetStopFlush installs the hook invoked with the final record when a
// timer stops.
func (s *Scheduler) SetStopFlush(f StopFlushFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopFlush = f
}

// SetIndex swaps in a freshly compiled rule index. If a timer is running,
// its rule binding and allowance are re-derived so a mid-day rule edit
// takes effect without a restart.
func (s *Scheduler) SetIndex(ctx context.Context, idx *ruleset.Index) {
	s.mu.Lock()
	s.idx = idx
	if at := s.active; at != nil {
		ruleID := ruleset.Select(at.site, idx)
		if ruleID == "" {
			// Committed session: the limit is the one the user chose,
			// only the covering-rule label is refreshed.
			at.ruleID = ruleset.SessionRuleFor(at.site, idx)
		} else {
			at.ruleID = ruleID
			if c, ok := idx.Rules[ruleID]; ok {
				at.rec.TimeLimit = c.TimeLimitSecs + s.snoozeUsed[ruleID]*c.PlusOneDuration
				if err := s.store.Put(ctx, *at.rec); err != nil {
					s.logger.Warn("failed to persist relimited record", zap.Error(err))
				}
			}
		}
	}
	s.mu.Unlock()

	s.presenter.RulesRecompiled()
}

// HandleEvent applies one inbound host event to the state machine.
func (s *Scheduler) HandleEvent(ctx context.Context, ev domain.TabEvent) {
	switch ev.Kind {
	case domain.TabFocused, domain.TabNavigated:
		s.Start(ctx, ev.TabID, ev.Site)
	case domain.TabBlurred, domain.TabRemoved, domain.WindowFocusLost:
		s.Stop(ctx)
	case domain.WindowFocusGained:
		s.Recover(ctx)
	default:
		s.logger.Warn("unknown tab event", zap.String("kind", string(ev.Kind)))
	}
}

// Recover asks the host which tab, if any, should resume tracking. Used on
// startup and when window focus returns.
func (s *Scheduler) Recover(ctx context.Context) {
	tab, err := s.tabs.CurrentSite(ctx)
	if err != nil {
		s.logger.Warn("current-site probe failed", zap.Error(err))
		return
	}
	if tab != nil {
		s.Start(ctx, tab.TabID, tab.Site)
	}
}

// Start transitions to Running for the given tab, retargeting an existing
// timer if one is live. The existing tick handle is cleared synchronously
// before any suspension point; a second clear guards the window between
// the async phase and installing the new tick.
func (s *Scheduler) Start(ctx context.Context, tabID int, site domain.SiteID) {
	if site == "" {
		return
	}

	// Synchronous clear. A racing start that bumps startSeq after this
	// point wins; we abandon at the finalize check below.
	s.mu.Lock()
	s.rolloverLocked()
	prevRec, prevUnsynced := s.detachLocked()
	s.startSeq++
	seq := s.startSeq
	idx := s.idx
	if ruleID, isBlocked := s.blocked[site]; isBlocked {
		s.mu.Unlock()
		s.flushStopped(ctx, prevRec, prevUnsynced)
		s.logger.Debug("site blocked until reset boundary",
			zap.String("site", string(site)), zap.String("rule", ruleID))
		return
	}
	s.mu.Unlock()

	s.flushStopped(ctx, prevRec, prevUnsynced)

	// Async phase: tab verification and storage reads are suspension
	// points; nothing here may touch the tick handle.
	alive, err := s.tabs.IsActive(ctx, tabID)
	if err != nil {
		s.logger.Warn("tab verification failed", zap.Int("tab", tabID), zap.Error(err))
		return
	}
	if !alive {
		return // tab went away while the request was in flight
	}

	ruleID := ruleset.Select(site, idx)

	rec, err := s.store.Get(ctx, site)
	if err != nil {
		s.logger.Warn("usage read failed", zap.String("site", string(site)), zap.Error(err))
		return
	}

	now := s.clock.Now()
	newDay := rec != nil && s.cfg.ResetTime.IsNewDay(rec.LastUpdated, now)

	switch {
	case rec == nil || newDay:
		if ruleID == "" {
			// No hard/soft rule and no live record for today. A covering
			// session rule prompts instead of tracking.
			if sess := ruleset.SessionRuleFor(site, idx); sess != "" {
				s.promptSession(tabID, site, sess)
			}
			return
		}
		limit := idx.Rules[ruleID].TimeLimitSecs
		rec = &domain.UsageRecord{Site: site, TimeSpent: 0, TimeLimit: limit, LastUpdated: now}
		if err := s.store.Put(ctx, *rec); err != nil {
			s.logger.Warn("usage init failed", zap.String("site", string(site)), zap.Error(err))
			return
		}
	case ruleID == "":
		// Initialized record without a hard/soft rule: a committed
		// session earlier today. Resume against the committed limit,
		// labeled with the covering session rule so exhaustion reports
		// it.
		if rec.TimeSpent >= rec.TimeLimit {
			return // session allowance already spent
		}
		ruleID = ruleset.SessionRuleFor(site, idx)
	}

	if ruleID != "" && rec.TimeSpent >= rec.TimeLimit {
		// Allowance already spent (typically a revisit after a restart
		// dropped the in-memory block state). Enforce without ticking.
		s.enforceRevisit(seq, tabID, site, ruleID)
		return
	}

	s.install(ctx, seq, tabID, site, ruleID, rec, now)
}

// enforceRevisit re-applies enforcement for a site whose stored allowance
// is already exhausted, without installing a timer.
func (s *Scheduler) enforceRevisit(seq uint64, tabID int, site domain.SiteID, ruleID string) {
	s.mu.Lock()
	if s.startSeq != seq {
		s.mu.Unlock()
		return
	}
	if c, ok := s.idx.Rules[ruleID]; ok && c.Type == domain.RuleSoft {
		if remaining := c.PlusOnes - s.snoozeUsed[ruleID]; remaining > 0 {
			s.pendingSoft = &pendingPrompt{tabID: tabID, site: site, ruleID: ruleID}
			dur := c.PlusOneDuration
			s.mu.Unlock()
			s.presenter.ShowSoftLimitExhausted(ruleID, remaining, dur)
			return
		}
	}
	s.blocked[site] = ruleID
	s.mu.Unlock()
	s.presenter.HardLimitReached(ruleID)
}

// install finalizes a start: re-checks that no newer transition raced in
// during the async phase, clears any tick handle that did, and installs
// the new one.
func (s *Scheduler) install(ctx context.Context, seq uint64, tabID int, site domain.SiteID, ruleID string, rec *domain.UsageRecord, now time.Time) {
	s.mu.Lock()
	if s.startSeq != seq {
		s.mu.Unlock()
		return // a newer start or stop owns the timer now
	}
	rec2, n := s.detachLocked() // closes any tick that slipped in meanwhile
	s.nextGen++
	at := &activeTimer{
		tabID:     tabID,
		site:      site,
		ruleID:    ruleID,
		startedAt: now,
		gen:       s.nextGen,
		stop:      make(chan struct{}),
		rec:       rec,
	}
	s.active = at
	s.mu.Unlock()

	s.flushStopped(ctx, rec2, n)

	go s.tickLoop(ctx, at.gen, at.stop)

	s.logger.Debug("timer started",
		zap.Int("tab", tabID),
		zap.String("site", string(site)),
		zap.String("rule", ruleID),
		zap.Int("spent", rec.TimeSpent),
		zap.Int("limit", rec.TimeLimit))
}

// Stop transitions to Idle: cancels the tick synchronously, then flushes
// unsynced seconds best-effort.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	rec, n := s.detachLocked()
	s.startSeq++ // in-flight starts abandon at their finalize check
	s.mu.Unlock()

	s.flushStopped(ctx, rec, n)
}

// stopIfCurrent stops only if gen still owns the timer. Used by the tick
// handler when it finds its tab no longer active.
func (s *Scheduler) stopIfCurrent(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.active == nil || s.active.gen != gen {
		s.mu.Unlock()
		return
	}
	rec, n := s.detachLocked()
	s.startSeq++
	s.mu.Unlock()

	s.flushStopped(ctx, rec, n)
}

// detachLocked clears the active timer and returns its final record with
// the unsynced-second count. Caller holds mu. Safe to call when Idle.
func (s *Scheduler) detachLocked() (*domain.UsageRecord, int) {
	if s.active == nil {
		return nil, 0
	}
	close(s.active.stop)
	rec := *s.active.rec
	n := s.unsynced
	s.active = nil
	s.unsynced = 0
	return &rec, n
}

// flushStopped hands a stopped timer's final state to the sync hook.
// Best-effort: failures are the agent's to log, never ours to retry here.
func (s *Scheduler) flushStopped(ctx context.Context, rec *domain.UsageRecord, unsynced int) {
	if rec == nil || unsynced == 0 {
		return
	}
	s.mu.Lock()
	f := s.stopFlush
	s.mu.Unlock()
	if f != nil {
		f(ctx, *rec, unsynced)
	}
}

// tickLoop drives one tick per interval until the stop channel closes.
func (s *Scheduler) tickLoop(ctx context.Context, gen uint64, stop chan struct{}) {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx, gen)
		}
	}
}

// tick accumulates one second against the active site. The timer identity
// is captured up front and re-validated after every suspension point; a
// tick whose generation no longer owns the singleton mutates nothing.
func (s *Scheduler) tick(ctx context.Context, gen uint64) {
	s.mu.Lock()
	at := s.active
	if at == nil || at.gen != gen {
		s.mu.Unlock()
		return
	}
	tabID := at.tabID
	s.mu.Unlock()

	alive, err := s.tabs.IsActive(ctx, tabID)
	if err != nil {
		// Transient probe failure: skip this tick, retry on the next.
		s.logger.Warn("tab liveness check failed", zap.Int("tab", tabID), zap.Error(err))
		return
	}
	if !alive {
		s.stopIfCurrent(ctx, gen)
		return
	}

	var (
		updated domain.UsageRecord
		emit    func()
		rec     *domain.UsageRecord
		n       int
	)

	s.mu.Lock()
	at = s.active
	if at == nil || at.gen != gen {
		s.mu.Unlock()
		return // retargeted while the probe was in flight
	}
	at.rec.TimeSpent++
	at.rec.LastUpdated = s.clock.Now()
	if err := s.store.Put(ctx, *at.rec); err != nil {
		// The in-memory record keeps the second; the next successful
		// write persists it.
		s.logger.Warn("usage write failed", zap.String("site", string(at.site)), zap.Error(err))
	}
	s.unsynced++
	updated = *at.rec
	if at.rec.TimeSpent >= at.rec.TimeLimit {
		emit, rec, n = s.enforceLocked(at)
	}
	s.mu.Unlock()

	s.presenter.UsageUpdated(updated)
	if emit != nil {
		emit()
	}
	s.flushStopped(ctx, rec, n)
}

// enforceLocked handles an exhausted allowance. Caller holds mu. Returns
// the presenter notification to run after unlock plus the detached flush
// state.
func (s *Scheduler) enforceLocked(at *activeTimer) (emit func(), rec *domain.UsageRecord, unsynced int) {
	ruleID := at.ruleID
	tabID, site := at.tabID, at.site

	c, isRule := s.idx.Rules[ruleID]
	if isRule && c.Type == domain.RuleSoft {
		remaining := c.PlusOnes - s.snoozeUsed[ruleID]
		if remaining > 0 {
			rec, unsynced = s.detachLocked()
			s.startSeq++
			s.pendingSoft = &pendingPrompt{tabID: tabID, site: site, ruleID: ruleID}
			dur := c.PlusOneDuration
			emit = func() { s.presenter.ShowSoftLimitExhausted(ruleID, remaining, dur) }
			return emit, rec, unsynced
		}
		// Extensions exhausted too: fall through to a block.
	}

	rec, unsynced = s.detachLocked()
	s.startSeq++
	s.blocked[site] = ruleID
	emit = func() { s.presenter.HardLimitReached(ruleID) }
	return emit, rec, unsynced
}

// promptSession records the pending prompt and asks the presenter for a
// per-visit limit.
func (s *Scheduler) promptSession(tabID int, site domain.SiteID, ruleID string) {
	s.mu.Lock()
	s.pendingSession = &pendingPrompt{tabID: tabID, site: site, ruleID: ruleID}
	s.mu.Unlock()
	s.presenter.ShowSessionPrompt(site)
}

// rolloverLocked discards per-day state (blocks, consumed extensions,
// stale prompts) when the reset boundary has been crossed. Caller holds mu.
func (s *Scheduler) rolloverLocked() {
	b := s.cfg.ResetTime.Boundary(s.clock.Now())
	if b.After(s.stateDay) {
		s.stateDay = b
		s.blocked = make(map[domain.SiteID]string)
		s.snoozeUsed = make(map[string]int)
		s.pendingSoft = nil
		s.pendingSession = nil
	}
}

// SyncSnapshot returns a copy of the active record and the unsynced-second
// count, resetting the counter optimistically at dispatch time. Returns
// (nil, 0) when Idle or when nothing has accumulated.
func (s *Scheduler) SyncSnapshot() (*domain.UsageRecord, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.unsynced == 0 {
		return nil, 0
	}
	rec := *s.active.rec
	n := s.unsynced
	s.unsynced = 0
	return &rec, n
}

// RestoreUnsynced adds n back to the counter after a synchronous dispatch
// failure, so the next interval retries with the accumulated value.
func (s *Scheduler) RestoreUnsynced(n int) {
	s.mu.Lock()
	s.unsynced += n
	s.mu.Unlock()
}

// Active returns the currently tracked tab, or nil when Idle.
func (s *Scheduler) Active() *domain.TabRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return &domain.TabRef{TabID: s.active.tabID, Site: s.active.site}
}
