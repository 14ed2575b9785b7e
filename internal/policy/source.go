package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/vinayprograms/warden/internal/logging"
)

// Source holds the current rule set. When backed by a file it can reload the
// file on change; engines built before a reload keep the rules they were
// built with.
type Source struct {
	mu     sync.RWMutex
	base   Rules
	rules  Rules
	path   string
	logger *logging.Logger

	// OnReload is called after every reload attempt.
	OnReload func(rules Rules, err error)
}

// NewSource returns a source starting from base, overlaid with the rules in
// path when path is non-empty.
func NewSource(base Rules, path string) (*Source, error) {
	s := &Source{
		base:   base,
		rules:  base,
		path:   path,
		logger: logging.New().WithComponent("policy"),
	}
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Rules returns the current rule set.
func (s *Source) Rules() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Engine builds an engine for root from the current rules.
func (s *Source) Engine(root string) (*Engine, error) {
	return NewEngine(root, s.Rules())
}

// Reload re-reads the policy file. On error the previous rules stay active.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	fileRules, err := LoadRules(s.path)
	if err == nil {
		s.mu.Lock()
		s.rules = s.base.Merge(fileRules)
		s.mu.Unlock()
	}
	if s.OnReload != nil {
		s.OnReload(s.Rules(), err)
	}
	return err
}

// Watch reloads the policy file whenever it changes until ctx is done.
// The directory is watched so that editors that replace the file are handled.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy: %w", err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// Let writes settle before re-reading.
				time.Sleep(50 * time.Millisecond)
				if err := s.Reload(); err != nil {
					s.logger.Warn("policy reload failed, keeping previous rules", map[string]interface{}{
						"path":  s.path,
						"error": err.Error(),
					})
					continue
				}
				s.logger.Info("policy reloaded", map[string]interface{}{"path": s.path})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}
