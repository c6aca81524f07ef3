package infra

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// ScreenLockWatch maps desktop screensaver activation to window focus
// events: a locked screen means no site is being viewed, whatever the
// browser thinks its focused tab is.
type ScreenLockWatch struct {
	logger *zap.Logger
	events chan domain.TabEvent
}

// NewScreenLockWatch creates the watch; Run connects and listens.
func NewScreenLockWatch(logger *zap.Logger) *ScreenLockWatch {
	return &ScreenLockWatch{
		logger: logger,
		events: make(chan domain.TabEvent, 8),
	}
}

// Events returns the focus events derived from lock state changes. Closed
// when Run returns.
func (w *ScreenLockWatch) Events() <-chan domain.TabEvent { return w.events }

// Run subscribes to org.freedesktop.ScreenSaver ActiveChanged and
// login1 PrepareForSleep signals until the context ends.
func (w *ScreenLockWatch) Run(ctx context.Context) error {
	defer close(w.events)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.ScreenSaver"),
		dbus.WithMatchMember("ActiveChanged"),
	); err != nil {
		return fmt.Errorf("add match failed: %w", err)
	}

	c := make(chan *dbus.Signal, 10)
	conn.Signal(c)

	w.logger.Info("screen lock watch started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-c:
			if !ok {
				return nil
			}
			if sig.Name != "org.freedesktop.ScreenSaver.ActiveChanged" || len(sig.Body) == 0 {
				continue
			}
			locked, _ := sig.Body[0].(bool)
			kind := domain.WindowFocusGained
			if locked {
				kind = domain.WindowFocusLost
			}
			w.logger.Debug("screen lock state changed", zap.Bool("locked", locked))
			select {
			case w.events <- domain.TabEvent{Kind: kind}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
