// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy_engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// DefaultReloadDebounce coalesces the burst of events editors emit on save.
const DefaultReloadDebounce = 250 * time.Millisecond

// RuleWatcher reloads a PolicyEngine when its rules file changes.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors and config-management tools that replace the file by rename are
// still observed. A reload that fails to compile keeps the previous rules.
//
// # Thread Safety
//
// Start should only be called once. Stop is safe to call multiple times.
type RuleWatcher struct {
	engine   *PolicyEngine
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload func(error)
	errLog   rate.Sometimes
}

// NewRuleWatcher creates a watcher for path. onReload, if non-nil, is called
// after every reload attempt with its result.
func NewRuleWatcher(engine *PolicyEngine, path string, onReload func(error)) (*RuleWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &RuleWatcher{
		engine:   engine,
		path:     abs,
		watcher:  watcher,
		debounce: DefaultReloadDebounce,
		onReload: onReload,
		errLog:   rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}, nil
}

// Start watches until ctx is cancelled. It returns nil on cancellation and
// an error only if the directory cannot be watched.
func (w *RuleWatcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("Watching security rules file", "path", w.path)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(event) {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Security rules watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Security rules watcher stopping")
			return nil
		}
	}
}

func (w *RuleWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *RuleWatcher) reload() {
	data, err := os.ReadFile(w.path)
	if err == nil {
		err = w.engine.Reload(data)
	}
	if err != nil {
		w.errLog.Do(func() {
			slog.Error("Security rules reload failed, keeping previous rules",
				"path", w.path,
				"error", err)
		})
	} else {
		info := w.engine.Info()
		slog.Info("Security rules reloaded",
			"path", w.path,
			"version", info.Version,
			"rules", info.RuleCount,
			"hash", info.Hash)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop releases the underlying watcher.
func (w *RuleWatcher) Stop() error {
	return w.watcher.Close()
}
