package category

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Mapper serves category lookups from a ruleset that may be swapped out
// underneath it. Map is safe for concurrent use and its method value
// satisfies the applier's mapping function.
type Mapper struct {
	mu    sync.RWMutex
	rules *Ruleset

	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewMapper returns a static Mapper over rs. A nil rs means the built-in
// default ruleset.
func NewMapper(rs *Ruleset) *Mapper {
	if rs == nil {
		rs = DefaultRuleset()
	}
	return &Mapper{rules: rs}
}

// Watch loads rules from path and keeps them fresh: edits to the file are
// picked up through fsnotify and swapped in atomically. A reload that fails
// to parse keeps the previous ruleset in service. Callers must Close the
// returned Mapper to stop the watch goroutine.
func Watch(path string, logger *slog.Logger) (*Mapper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rs, err := LoadRules(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create rules watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file-level watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory: %w", err)
	}

	m := &Mapper{
		rules:   rs,
		path:    filepath.Clean(path),
		logger:  logger,
		watcher: watcher,
	}
	m.wg.Add(1)
	go m.processEvents()
	return m, nil
}

// Map returns the ledger category for a raw feed label.
func (m *Mapper) Map(raw string) string {
	m.mu.RLock()
	rs := m.rules
	m.mu.RUnlock()
	return rs.Map(raw)
}

// Rules returns the ruleset currently in service.
func (m *Mapper) Rules() *Ruleset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules
}

// Close stops the watch goroutine. Safe to call on a static Mapper.
func (m *Mapper) Close() error {
	if m.watcher == nil {
		return nil
	}
	err := m.watcher.Close()
	m.wg.Wait()
	return err
}

func (m *Mapper) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != m.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				m.reload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("category rules watcher error", "error", err)
		}
	}
}

func (m *Mapper) reload() {
	rs, err := LoadRules(m.path)
	if err != nil {
		m.logger.Warn("failed to reload category rules, keeping previous set",
			"path", m.path, "error", err)
		return
	}
	m.mu.Lock()
	m.rules = rs
	m.mu.Unlock()
	m.logger.Info("category rules reloaded", "path", m.path, "rules", len(rs.Rules))
}
