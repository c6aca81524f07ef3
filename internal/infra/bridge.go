package infra

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
	"github.com/quarterlit/sitecap/internal/sitename"
)

// frame is the wire shape of one newline-delimited JSON message exchanged
// with the host extension.
type frame struct {
	Type      string `json:"type"`
	TabID     int    `json:"tabId,omitempty"`
	URL       string `json:"url,omitempty"`
	PrevURL   string `json:"prevUrl,omitempty"`
	Active    bool   `json:"active,omitempty"`
	Site      string `json:"site,omitempty"`
	RuleID    string `json:"ruleId,omitempty"`
	TimeSpent int    `json:"timeSpent,omitempty"`
	TimeLimit int    `json:"timeLimit,omitempty"`
	Remaining int    `json:"remainingExtensions,omitempty"`
	Duration  int    `json:"extensionDuration,omitempty"`
	Intention string `json:"intention,omitempty"`
}

// DecisionHandler receives the presenter decisions carried inbound over
// the bridge. The scheduler satisfies it.
type DecisionHandler interface {
	Snooze(ctx context.Context, ruleID string)
	Leave(ruleID string)
	SessionCommitted(ctx context.Context, timeLimitSecs int, intention string)
	SessionCancelled()
}

// Bridge speaks newline-delimited JSON with the browser extension's native
// messaging host. It is the engine's event source, its tab-liveness probe
// (tracking the extension's reported active tab), and the transport behind
// the enforcement presenter.
type Bridge struct {
	logger *zap.Logger

	wmu sync.Mutex
	w   io.Writer

	mu        sync.Mutex
	activeTab *domain.TabRef
	awaiting  []chan *domain.TabRef // CurrentSite callers waiting on tab-state

	events  chan domain.TabEvent
	handler DecisionHandler
}

// NewBridge wraps a reader/writer pair (stdin/stdout for a real native
// messaging host, pipes in tests).
func NewBridge(w io.Writer, logger *zap.Logger) *Bridge {
	return &Bridge{
		logger: logger,
		w:      w,
		events: make(chan domain.TabEvent, 64),
	}
}

// SetHandler installs the decision handler. Must be called before Run.
func (b *Bridge) SetHandler(h DecisionHandler) { b.handler = h }

// Events returns the inbound tab-event channel. Closed when Run returns.
func (b *Bridge) Events() <-chan domain.TabEvent { return b.events }

// Run decodes inbound frames until the reader closes or the context ends.
func (b *Bridge) Run(ctx context.Context, r io.Reader) error {
	defer close(b.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := sonic.Unmarshal(line, &f); err != nil {
			b.logger.Warn("malformed bridge frame", zap.Error(err))
			continue
		}
		b.dispatch(ctx, f)
	}
	return scanner.Err()
}

func (b *Bridge) dispatch(ctx context.Context, f frame) {
	switch f.Type {
	case "tab-focused":
		site := sitename.Normalize(f.URL)
		b.setActive(&domain.TabRef{TabID: f.TabID, Site: site})
		b.emit(ctx, domain.TabEvent{Kind: domain.TabFocused, TabID: f.TabID, Site: site})

	case "tab-navigated":
		site := sitename.Normalize(f.URL)
		b.setActive(&domain.TabRef{TabID: f.TabID, Site: site})
		b.emit(ctx, domain.TabEvent{
			Kind:     domain.TabNavigated,
			TabID:    f.TabID,
			Site:     site,
			PrevSite: sitename.Normalize(f.PrevURL),
		})

	case "tab-blurred":
		b.clearActive(f.TabID)
		b.emit(ctx, domain.TabEvent{Kind: domain.TabBlurred, TabID: f.TabID, Site: sitename.Normalize(f.URL)})

	case "tab-removed":
		b.clearActive(f.TabID)
		b.emit(ctx, domain.TabEvent{Kind: domain.TabRemoved, TabID: f.TabID})

	case "window-focus-lost":
		b.setActive(nil)
		b.emit(ctx, domain.TabEvent{Kind: domain.WindowFocusLost})

	case "window-focus-gained":
		b.emit(ctx, domain.TabEvent{Kind: domain.WindowFocusGained})

	case "tab-state":
		// Reply to a get-current-site request, or an unsolicited update.
		var ref *domain.TabRef
		if f.Active {
			ref = &domain.TabRef{TabID: f.TabID, Site: sitename.Normalize(f.URL)}
		}
		b.resolveAwaiting(ref)

	case "soft-limit-snoozed":
		if b.handler != nil {
			b.handler.Snooze(ctx, f.RuleID)
		}
	case "soft-limit-leave":
		if b.handler != nil {
			b.handler.Leave(f.RuleID)
		}
	case "session-committed":
		if b.handler != nil {
			b.handler.SessionCommitted(ctx, f.TimeLimit, f.Intention)
		}
	case "session-cancelled":
		if b.handler != nil {
			b.handler.SessionCancelled()
		}

	default:
		b.logger.Warn("unknown bridge frame type", zap.String("type", f.Type))
	}
}

func (b *Bridge) emit(ctx context.Context, ev domain.TabEvent) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}

func (b *Bridge) setActive(ref *domain.TabRef) {
	b.mu.Lock()
	b.activeTab = ref
	b.resolveAwaitingLocked(ref)
	b.mu.Unlock()
}

func (b *Bridge) clearActive(tabID int) {
	b.mu.Lock()
	if b.activeTab != nil && b.activeTab.TabID == tabID {
		b.activeTab = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) resolveAwaiting(ref *domain.TabRef) {
	b.mu.Lock()
	if ref != nil {
		b.activeTab = ref
	}
	b.resolveAwaitingLocked(ref)
	b.mu.Unlock()
}

func (b *Bridge) resolveAwaitingLocked(ref *domain.TabRef) {
	for _, ch := range b.awaiting {
		ch <- ref
	}
	b.awaiting = nil
}

// --- domain.TabProbe ---

// IsActive reports whether tabID is the extension's reported active tab.
func (b *Bridge) IsActive(_ context.Context, tabID int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.activeTab != nil && b.activeTab.TabID == tabID, nil
}

// CurrentSite answers from tracked state when possible, otherwise asks the
// extension and waits briefly for its tab-state reply.
func (b *Bridge) CurrentSite(ctx context.Context) (*domain.TabRef, error) {
	b.mu.Lock()
	if b.activeTab != nil {
		ref := *b.activeTab
		b.mu.Unlock()
		return &ref, nil
	}
	ch := make(chan *domain.TabRef, 1)
	b.awaiting = append(b.awaiting, ch)
	b.mu.Unlock()

	if err := b.send(frame{Type: "get-current-site"}); err != nil {
		return nil, err
	}

	select {
	case ref := <-ch:
		return ref, nil
	case <-time.After(2 * time.Second):
		return nil, nil // host did not answer; treat as no active site
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// --- domain.Presenter ---

func (b *Bridge) ShowSessionPrompt(site domain.SiteID) {
	b.sendLogged(frame{Type: "show-session-prompt", Site: string(site)})
}

func (b *Bridge) ShowSoftLimitExhausted(ruleID string, remaining, durationSecs int) {
	b.sendLogged(frame{
		Type:      "show-soft-limit-exhausted",
		RuleID:    ruleID,
		Remaining: remaining,
		Duration:  durationSecs,
	})
}

func (b *Bridge) HardLimitReached(ruleID string) {
	b.sendLogged(frame{Type: "hard-limit-reached", RuleID: ruleID})
}

func (b *Bridge) UsageUpdated(rec domain.UsageRecord) {
	b.sendLogged(frame{
		Type:      "usage-updated",
		Site:      string(rec.Site),
		TimeSpent: rec.TimeSpent,
		TimeLimit: rec.TimeLimit,
	})
}

func (b *Bridge) RulesRecompiled() {
	b.sendLogged(frame{Type: "rules-recompiled"})
}

func (b *Bridge) send(f frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (b *Bridge) sendLogged(f frame) {
	if err := b.send(f); err != nil {
		b.logger.Warn("outbound frame dropped", zap.String("type", f.Type), zap.Error(err))
	}
}

var (
	_ domain.TabProbe  = (*Bridge)(nil)
	_ domain.Presenter = (*Bridge)(nil)
)
