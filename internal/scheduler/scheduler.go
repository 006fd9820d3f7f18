package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// jobTimer is one scheduled job. The timer identity survives resyncs as
// long as the cron expression is unchanged.
type jobTimer struct {
	expr     string
	schedule cron.Schedule
	timer    *time.Timer
	stopped  bool
}

// Scheduler installs a timer per enabled job and writes trigger files
// when they fire. It resyncs against the JobStore on every change.
type Scheduler struct {
	store       *JobStore
	triggersDir string
	log         *logger.Logger

	// now is overridable for tests.
	now func() time.Time

	mu     sync.Mutex
	timers map[string]*jobTimer
	detach func()
	closed bool
}

func New(store *JobStore, triggersDir string, log *logger.Logger) (*Scheduler, error) {
	if err := os.MkdirAll(triggersDir, 0o755); err != nil {
		return nil, fmt.Errorf("create triggers dir: %w", err)
	}
	return &Scheduler{
		store:       store,
		triggersDir: triggersDir,
		log:         log.WithFields(zap.String("component", "scheduler")),
		now:         time.Now,
		timers:      make(map[string]*jobTimer),
	}, nil
}

// Start installs timers for the current job set and follows changes.
func (s *Scheduler) Start() error {
	if err := s.Resync(); err != nil {
		return err
	}
	s.detach = s.store.OnChange(func() {
		if err := s.Resync(); err != nil {
			s.log.Warn("job resync failed", zap.Error(err))
		}
	})
	return nil
}

// Resync reconciles timers with the store: timers for vanished or
// disabled jobs stop, changed expressions are rescheduled, unchanged
// timers are left alone, and new jobs are installed. A job with an
// invalid cron expression is skipped.
func (s *Scheduler) Resync() error {
	jobs, err := s.store.ListEnabled()
	if err != nil {
		return err
	}
	wanted := make(map[string]*v1.Job, len(jobs))
	for _, job := range jobs {
		wanted[job.ID] = job
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	for id, jt := range s.timers {
		job, ok := wanted[id]
		if !ok || job.Cron != jt.expr {
			jt.stopped = true
			jt.timer.Stop()
			delete(s.timers, id)
		}
	}

	for id, job := range wanted {
		if _, ok := s.timers[id]; ok {
			continue
		}
		schedule, err := cron.ParseStandard(job.Cron)
		if err != nil {
			s.log.Warn("invalid cron expression, job skipped",
				zap.String("job_id", id), zap.String("cron", job.Cron))
			continue
		}
		s.installLocked(id, job.Cron, schedule)
	}
	return nil
}

// installLocked arms a timer for the job's next firing. Caller holds mu.
func (s *Scheduler) installLocked(id, expr string, schedule cron.Schedule) {
	jt := &jobTimer{expr: expr, schedule: schedule}
	delay := schedule.Next(s.now()).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	jt.timer = time.AfterFunc(delay, func() { s.onFire(id, jt) })
	s.timers[id] = jt
}

// onFire handles one timer firing, then re-arms the same timer.
func (s *Scheduler) onFire(id string, jt *jobTimer) {
	s.fire(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || jt.stopped || s.timers[id] != jt {
		return
	}
	delay := jt.schedule.Next(s.now()).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	jt.timer.Reset(delay)
}

// fire re-reads the job (it may have been edited since scheduling),
// applies the heartbeat gate, and writes the trigger file.
func (s *Scheduler) fire(id string) {
	job, err := s.store.Get(id)
	if err != nil {
		s.log.Warn("failed to read job at fire time", zap.String("job_id", id), zap.Error(err))
		return
	}
	if job == nil || !job.Enabled {
		return
	}

	prompt := job.Prompt
	if hb := job.HeartbeatFile(); hb != "" {
		content, ok := readHeartbeat(hb)
		if !ok {
			s.log.Debug("heartbeat gate suppressed trigger", zap.String("job_id", id))
			return
		}
		prompt = prompt + "\n\n---\n\n" + content
	}

	firedAt := s.now().UTC()
	trigger := v1.Trigger{
		JobID:   job.ID,
		JobName: job.Name,
		Target:  job.Target,
		Prompt:  prompt,
		FiredAt: firedAt,
		Oneshot: job.Oneshot,
	}
	if err := s.writeTrigger(&trigger, firedAt); err != nil {
		s.log.Error("failed to write trigger file", zap.String("job_id", id), zap.Error(err))
		return
	}

	job.LastFiredAt = &firedAt
	if err := s.store.Update(job); err != nil {
		s.log.Warn("failed to record last fire time", zap.String("job_id", id), zap.Error(err))
	}
	s.log.Info("job fired", zap.String("job_id", id))
}

// readHeartbeat reads a heartbeat gate file. A missing or empty file
// suppresses the trigger.
func readHeartbeat(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", false
	}
	return content, true
}

// writeTrigger lands <epochMs>-<jobId>.json; the name sorts
// chronologically.
func (s *Scheduler) writeTrigger(trigger *v1.Trigger, firedAt time.Time) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%d-%s.json", firedAt.UnixMilli(), trigger.JobID)
	path := filepath.Join(s.triggersDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// TimerCount returns the number of armed timers.
func (s *Scheduler) TimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// timerFor exposes the live timer state for a job id.
func (s *Scheduler) timerFor(id string) (*jobTimer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jt, ok := s.timers[id]
	return jt, ok
}

// Stop detaches from the store and stops every timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	detach := s.detach
	for id, jt := range s.timers {
		jt.stopped = true
		jt.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// FireNow runs the fire path for a job immediately, outside its
// schedule. Used by the CLI for manual runs.
func (s *Scheduler) FireNow(id string) {
	s.fire(id)
}
