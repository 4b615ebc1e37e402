package exec

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Janitor periodically deletes source files and artifacts left in the work dir
// by executions whose process was killed before cleanup ran.
type Janitor struct {
	dir      string
	schedule string
	maxAge   time.Duration
	cron     *cron.Cron
	log      *zap.Logger
	now      func() time.Time
	inUse    func(path string) bool
}

func NewJanitor(dir, schedule string, maxAge time.Duration, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		dir:      dir,
		schedule: schedule,
		maxAge:   maxAge,
		cron:     cron.New(),
		log:      log,
		now:      time.Now,
	}
}

// SetInUse registers a check for files that belong to running executions. Sweep never removes those.
func (j *Janitor) SetInUse(fn func(path string) bool) { j.inUse = fn }

// Start schedules the sweep. An empty schedule or zero max age disables it.
func (j *Janitor) Start() error {
	if j.schedule == "" || j.maxAge <= 0 {
		j.log.Info("workspace janitor disabled")
		return nil
	}
	_, err := j.cron.AddFunc(j.schedule, func() {
		if n, err := j.Sweep(); err != nil {
			j.log.Warn("workspace sweep failed", zap.Error(err))
		} else if n > 0 {
			j.log.Info("workspace sweep removed stale files", zap.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule workspace janitor: %w", err)
	}
	j.cron.Start()
	j.log.Info("workspace janitor started", zap.String("schedule", j.schedule), zap.Duration("max_age", j.maxAge))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// Sweep removes dispatcher files older than maxAge and returns how many were deleted.
func (j *Janitor) Sweep() (int, error) {
	matches, err := filepath.Glob(filepath.Join(j.dir, TempPattern))
	if err != nil {
		return 0, err
	}
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || info.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		if j.inUse != nil && j.inUse(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			j.log.Debug("stale file not removed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}
