// Package scheduler turns cron-style jobs into trigger files and replays
// those files into the gateway. Jobs persist as one JSON file each; a
// fired schedule becomes a trigger file drained by the watcher, so a
// firing missed while the daemon was down is recovered on next start.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a filesystem-safe job id from a name.
func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = nonSlugChars.ReplaceAllString(slug, "-")
	return strings.Trim(slug, "-")
}

// JobStore keeps jobs as individual JSON files under a directory and
// notifies listeners when the set changes, whether through this API or
// through direct file edits.
type JobStore struct {
	dir string
	log *logger.Logger

	mu        sync.Mutex
	listeners []func()
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

func NewJobStore(dir string, log *logger.Logger) (*JobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	s := &JobStore{
		dir:  dir,
		log:  log.WithFields(zap.String("component", "jobstore")),
		done: make(chan struct{}),
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch jobs dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch jobs dir: %w", err)
	}
	s.watcher = watcher
	go s.watchLoop()
	return s, nil
}

func (s *JobStore) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 &&
				strings.HasSuffix(ev.Name, ".json") {
				s.notify()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("jobs dir watch error", zap.Error(err))
		}
	}
}

// OnChange registers a listener called after any change to the job set.
// The returned function detaches it.
func (s *JobStore) OnChange(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	index := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if index < len(s.listeners) {
			s.listeners[index] = nil
		}
	}
}

func (s *JobStore) notify() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		if fn != nil {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (s *JobStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Create persists a new job. The id is the slugified name; collisions
// get a numeric suffix and an empty slug falls back to a random id.
func (s *JobStore) Create(job *v1.Job) error {
	if job.Cron == "" {
		return fmt.Errorf("job requires a cron expression")
	}
	id := slugify(job.Name)
	if id == "" {
		id = uuid.New().String()
	} else {
		base := id
		for n := 2; ; n++ {
			if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
				break
			}
			id = fmt.Sprintf("%s-%d", base, n)
		}
	}
	job.ID = id
	return s.write(job)
}

// Update rewrites an existing job file.
func (s *JobStore) Update(job *v1.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job has no id")
	}
	if _, err := os.Stat(s.path(job.ID)); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	return s.write(job)
}

// write lands the file atomically so a concurrent reader never sees a
// partial document.
func (s *JobStore) write(job *v1.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(job.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(job.ID)); err != nil {
		os.Remove(tmp)
		return err
	}
	s.notify()
	return nil
}

// Delete removes a job. Deleting a missing job is not an error.
func (s *JobStore) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.notify()
	return nil
}

// Get reads one job, nil when absent.
func (s *JobStore) Get(id string) (*v1.Job, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var job v1.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", id, err)
	}
	return &job, nil
}

// List returns every well-formed job, sorted by id. Malformed files and
// files without an id are skipped with a warning, never fatal.
func (s *JobStore) List() ([]*v1.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var jobs []*v1.Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.log.Warn("unreadable job file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		var job v1.Job
		if err := json.Unmarshal(data, &job); err != nil {
			s.log.Warn("malformed job file skipped", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		if job.ID == "" {
			s.log.Warn("job file without id skipped", zap.String("file", entry.Name()))
			continue
		}
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// ListEnabled returns the enabled jobs.
func (s *JobStore) ListEnabled() ([]*v1.Job, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	enabled := jobs[:0]
	for _, job := range jobs {
		if job.Enabled {
			enabled = append(enabled, job)
		}
	}
	return enabled, nil
}

// Close stops the change watcher.
func (s *JobStore) Close() {
	close(s.done)
	_ = s.watcher.Close()
}
