package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// Snooze consumes one soft-rule extension: the remaining extension count
// drops by one, the effective allowance grows by the extension duration,
// and ticking resumes on the paused tab. Ignored when no matching prompt
// is pending or no extensions remain.
func (s *Scheduler) Snooze(ctx context.Context, ruleID string) {
	s.mu.Lock()
	p := s.pendingSoft
	if p == nil || p.ruleID != ruleID {
		s.mu.Unlock()
		return
	}
	s.pendingSoft = nil
	c, ok := s.idx.Rules[ruleID]
	if !ok {
		s.mu.Unlock()
		return
	}
	used := s.snoozeUsed[ruleID]
	if used >= c.PlusOnes {
		s.mu.Unlock()
		return
	}
	used++
	s.snoozeUsed[ruleID] = used
	newLimit := c.TimeLimitSecs + used*c.PlusOneDuration
	tabID, site := p.tabID, p.site
	s.mu.Unlock()

	rec, err := s.store.Get(ctx, site)
	if err != nil || rec == nil {
		s.logger.Warn("snooze: usage read failed", zap.String("site", string(site)), zap.Error(err))
	} else {
		rec.TimeLimit = newLimit
		if err := s.store.Put(ctx, *rec); err != nil {
			s.logger.Warn("snooze: usage write failed", zap.String("site", string(site)), zap.Error(err))
		}
	}

	s.logger.Info("soft limit snoozed",
		zap.String("rule", ruleID),
		zap.String("site", string(site)),
		zap.Int("extensions_used", used),
		zap.Int("new_limit", newLimit))

	s.Start(ctx, tabID, site)
}

// Leave declines the remaining extensions: the site stays blocked until
// the next reset boundary, with no further ticking.
func (s *Scheduler) Leave(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pendingSoft
	if p == nil || p.ruleID != ruleID {
		return
	}
	s.pendingSoft = nil
	s.blocked[p.site] = ruleID
	s.logger.Info("soft limit left", zap.String("rule", ruleID), zap.String("site", string(p.site)))
}

// SessionCommitted starts tracking the prompted site against the limit
// the user chose for this visit. Intention text, if any, rides along into
// the store for later display.
func (s *Scheduler) SessionCommitted(ctx context.Context, timeLimitSecs int, intention string) {
	s.mu.Lock()
	p := s.pendingSession
	s.pendingSession = nil
	s.mu.Unlock()
	if p == nil || timeLimitSecs <= 0 {
		return
	}

	now := s.clock.Now()
	rec := domain.UsageRecord{Site: p.site, TimeSpent: 0, TimeLimit: timeLimitSecs, LastUpdated: now}
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Warn("session init failed", zap.String("site", string(p.site)), zap.Error(err))
		return
	}
	if intention != "" {
		if err := s.store.SetMeta(ctx, "intention:"+string(p.site), intention); err != nil {
			s.logger.Warn("failed to store intention", zap.Error(err))
		}
	}

	s.logger.Info("session committed",
		zap.String("site", string(p.site)),
		zap.Int("limit", timeLimitSecs))

	s.Start(ctx, p.tabID, p.site)
}

// SessionCancelled clears the pending prompt; the engine takes no tracking
// action (navigating away is the caller's responsibility).
func (s *Scheduler) SessionCancelled() {
	s.mu.Lock()
	s.pendingSession = nil
	s.mu.Unlock()
}
