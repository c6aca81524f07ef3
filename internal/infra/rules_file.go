package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/quarterlit/sitecap/internal/domain"
)

// rulesDoc is the on-disk shape of the authored rules file.
type rulesDoc struct {
	Rules  []domain.Rule  `json:"rules"`
	Groups []domain.Group `json:"groups"`
}

// FileRuleSource implements domain.RuleSource over a JSON file written by
// the authoring UI. An fsnotify watch turns file writes into change
// notifications; the engine never needs to know why rules changed.
type FileRuleSource struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	changes chan struct{}
}

// NewFileRuleSource creates a rule source for the given file. The watch
// covers the parent directory so atomic rename-style saves are seen too.
func NewFileRuleSource(path string, logger *zap.Logger) (*FileRuleSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	s := &FileRuleSource{
		path:    path,
		logger:  logger,
		watcher: watcher,
		changes: make(chan struct{}, 1),
	}
	go s.watch()
	return s, nil
}

// Load reads the current rules and groups. A missing file is an empty
// rule set, not an error.
func (s *FileRuleSource) Load(_ context.Context) ([]domain.Rule, []domain.Group, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var doc rulesDoc
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return doc.Rules, doc.Groups, nil
}

// Changes returns the change notification channel. Notifications are
// coalesced; the channel closes on Close.
func (s *FileRuleSource) Changes() <-chan struct{} {
	return s.changes
}

// watch forwards relevant filesystem events as coalesced notifications.
func (s *FileRuleSource) watch() {
	defer close(s.changes)

	// Editors and atomic saves produce event bursts; debounce them.
	var pending *time.Timer
	notify := func() {
		select {
		case s.changes <- struct{}{}:
		default: // a notification is already pending
		}
	}

	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("rules file changed", zap.String("op", ev.Op.String()))
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, notify)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}

// Close stops the watch and closes the change channel.
func (s *FileRuleSource) Close() error {
	return s.watcher.Close()
}

var _ domain.RuleSource = (*FileRuleSource)(nil)
