package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// Sender is the gateway surface the watcher needs.
type Sender interface {
	Send(ctx context.Context, key string, input *v1.Input) (string, string, error)
}

// TriggerWatcher replays trigger files into the gateway. On start it
// drains files left over from previous runs in filename order, then
// follows directory notifications.
type TriggerWatcher struct {
	dir           string
	sender        Sender
	jobs          *JobStore
	defaultTarget string
	log           *logger.Logger

	// OnError observes per-trigger delivery failures. The file is
	// preserved for retry on next start.
	OnError func(file string, err error)

	mu       sync.Mutex
	inflight map[string]bool
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

func NewTriggerWatcher(dir string, sender Sender, jobs *JobStore, defaultTarget string, log *logger.Logger) *TriggerWatcher {
	return &TriggerWatcher{
		dir:           dir,
		sender:        sender,
		jobs:          jobs,
		defaultTarget: defaultTarget,
		log:           log.WithFields(zap.String("component", "trigger_watcher")),
		inflight:      make(map[string]bool),
		stop:          make(chan struct{}),
	}
}

// Start drains pending triggers and begins watching for new ones.
func (w *TriggerWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create triggers dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch triggers dir: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch triggers dir: %w", err)
	}
	w.watcher = watcher

	if err := w.drain(ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(ctx)
	return nil
}

// drain processes every existing trigger file in ascending filename
// order, stopping at the next file boundary if the watcher is stopped.
func (w *TriggerWatcher) drain(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-w.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}
		w.process(ctx, filepath.Join(w.dir, name))
	}
	return nil
}

func (w *TriggerWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 || !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			w.process(ctx, ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("triggers dir watch error", zap.Error(err))
		}
	}
}

// process delivers one trigger file. Concurrent notifications for the
// same file are deduplicated through the in-flight set.
func (w *TriggerWatcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	if w.stopped || w.inflight[path] {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			w.fail(path, fmt.Errorf("read trigger: %w", err))
		}
		return
	}
	var trigger v1.Trigger
	if err := json.Unmarshal(data, &trigger); err != nil {
		w.fail(path, fmt.Errorf("parse trigger: %w", err))
		return
	}

	target := trigger.Target
	if target == "" {
		target = w.defaultTarget
	}
	if target == "" {
		w.fail(path, fmt.Errorf("trigger %s has no target and no default is configured", trigger.JobID))
		return
	}

	input := &v1.Input{Messages: []v1.InputMessage{{
		Role:    v1.RoleEvent,
		Content: []v1.ContentBlock{v1.TextBlock(trigger.Prompt)},
		Metadata: map[string]any{
			"source":     map[string]any{"type": "cron"},
			"event_type": "cron_trigger",
			"job_id":     trigger.JobID,
		},
	}}}

	if _, _, err := w.sender.Send(ctx, target, input); err != nil {
		w.fail(path, fmt.Errorf("deliver trigger %s: %w", trigger.JobID, err))
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.log.Warn("failed to remove delivered trigger", zap.String("file", path), zap.Error(err))
	}
	if trigger.Oneshot && w.jobs != nil {
		if err := w.jobs.Delete(trigger.JobID); err != nil {
			w.log.Warn("failed to delete oneshot job", zap.String("job_id", trigger.JobID), zap.Error(err))
		}
	}
	w.log.Info("trigger delivered",
		zap.String("job_id", trigger.JobID), zap.String("target", target))
}

// fail reports a delivery problem and leaves the file for the next
// start.
func (w *TriggerWatcher) fail(path string, err error) {
	w.log.Warn("trigger delivery failed", zap.String("file", path), zap.Error(err))
	if w.OnError != nil {
		w.OnError(path, err)
	}
}

// Stop halts the drain at the next file boundary and detaches the
// directory watcher.
func (w *TriggerWatcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	close(w.stop)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.wg.Wait()
}
