// Package daemon wires the tracking engine together and runs its event
// loop.
package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/ruleset"
	"github.com/quarterlit/sitecap/internal/scheduler"
	"github.com/quarterlit/sitecap/internal/syncer"
)

// ErrHostGone signals that the host context the engine was attached to is
// no longer valid; the caller owns the one-time recovery action.
var ErrHostGone = errors.New("host context invalidated")

// EngineConfig holds the engine loop's timing parameters.
type EngineConfig struct {
	SyncInterval      time.Duration // how often unsynced seconds flush
	HostCheckInterval time.Duration // how often the host probe runs
}

// DefaultEngineConfig returns production intervals.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SyncInterval:      30 * time.Second,
		HostCheckInterval: 5 * time.Second,
	}
}

// Engine owns the run loop: it feeds host events into the scheduler,
// rebuilds the rule index when the authored rules change, drives the sync
// agent, and fails closed when the host goes away.
type Engine struct {
	config EngineConfig
	sched  *scheduler.Scheduler
	agent  *syncer.Agent
	rules  domain.RuleSource
	events <-chan domain.TabEvent
	// focus carries window focus events from the screen-lock watch; nil
	// when that watch is disabled.
	focus  <-chan domain.TabEvent
	host   domain.HostProbe
	logger *zap.Logger
}

// NewEngine assembles the engine. focus may be nil.
func NewEngine(
	config EngineConfig,
	sched *scheduler.Scheduler,
	agent *syncer.Agent,
	rules domain.RuleSource,
	events <-chan domain.TabEvent,
	focus <-chan domain.TabEvent,
	host domain.HostProbe,
	logger *zap.Logger,
) *Engine {
	sched.SetStopFlush(agent.FlushRecord)
	return &Engine{
		config: config,
		sched:  sched,
		agent:  agent,
		rules:  rules,
		events: events,
		focus:  focus,
		host:   host,
		logger: logger,
	}
}

// Run blocks until the context is canceled or the host context becomes
// invalid (ErrHostGone). On the way out the active timer stops with a
// final best-effort flush.
func (e *Engine) Run(ctx context.Context) error {
	e.recompile(ctx)

	// Resume whatever the host says should be tracking (process restart,
	// engine reload).
	e.sched.Recover(ctx)

	syncTicker := time.NewTicker(e.config.SyncInterval)
	hostTicker := time.NewTicker(e.config.HostCheckInterval)
	defer func() {
		syncTicker.Stop()
		hostTicker.Stop()
	}()

	e.logger.Info("engine started",
		zap.Duration("sync_interval", e.config.SyncInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			e.shutdown()
			return ctx.Err()

		case ev, ok := <-e.events:
			if !ok {
				// Host bridge closed its side: the messaging channel is
				// gone, same failure class as a dead host process.
				e.logger.Warn("host bridge closed")
				e.shutdown()
				return ErrHostGone
			}
			e.sched.HandleEvent(ctx, ev)

		case ev, ok := <-e.focus:
			if !ok {
				e.focus = nil // screen lock watch ended; keep running
				continue
			}
			e.sched.HandleEvent(ctx, ev)

		case <-e.rules.Changes():
			e.recompile(ctx)

		case <-syncTicker.C:
			e.agent.Flush(ctx)

		case <-hostTicker.C:
			if !e.host.Alive() {
				// Fail closed: stop storage and messaging work, hand the
				// one-time recovery to the caller.
				e.logger.Error("host process gone, failing closed")
				e.shutdown()
				return ErrHostGone
			}
		}
	}
}

// recompile rebuilds the compiled rule index from the authored source.
// A failed load keeps the previous index; tracking degrades open, never
// over-blocks.
func (e *Engine) recompile(ctx context.Context) {
	rules, groups, err := e.rules.Load(ctx)
	if err != nil {
		e.logger.Warn("rules load failed, keeping previous index", zap.Error(err))
		return
	}
	idx := ruleset.Compile(rules, groups, e.logger)
	e.sched.SetIndex(ctx, idx)
	e.logger.Info("rule index recompiled",
		zap.Int("rules", len(idx.Rules)),
		zap.Int("sites", len(idx.Reverse)))
}

// shutdown stops the active timer (flushing unsynced seconds) using a
// fresh context, since the loop's may already be canceled.
func (e *Engine) shutdown() {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.sched.Stop(stopCtx)
	e.agent.Flush(stopCtx)
}
