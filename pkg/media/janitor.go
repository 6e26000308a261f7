package media

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sipeed/walink/pkg/logger"
)

// DefaultCleanupSchedule empties the temp directory every hour.
const DefaultCleanupSchedule = "0 * * * *"

// Cleaner empties a temp directory.
type Cleaner interface {
	Clean() (int, error)
}

// Janitor runs a Cleaner on a cron schedule.
type Janitor struct {
	// Name tags log lines.
	Name    string
	expr    string
	cleaner Cleaner
	now     func() time.Time
}

func NewJanitor(expr string, cleaner Cleaner) (*Janitor, error) {
	if expr == "" {
		expr = DefaultCleanupSchedule
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cleanup schedule %q", expr)
	}
	return &Janitor{Name: "temp", expr: expr, cleaner: cleaner, now: time.Now}, nil
}

// NextRun is the first tick strictly after ref.
func (j *Janitor) NextRun(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(j.expr, ref, false)
}

// Run blocks until ctx ends, cleaning on every tick.
func (j *Janitor) Run(ctx context.Context) {
	logger.InfoCF("media", "Cleanup scheduled", map[string]interface{}{
		"task":     j.Name,
		"schedule": j.expr,
	})
	for {
		now := j.now()
		next, err := j.NextRun(now)
		if err != nil {
			logger.ErrorCF("media", "Cannot compute next cleanup", map[string]interface{}{
				"task":  j.Name,
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		j.RunOnce()
	}
}

// RunOnce cleans immediately.
func (j *Janitor) RunOnce() {
	n, err := j.cleaner.Clean()
	if err != nil {
		logger.WarnCF("media", "Cleanup failed", map[string]interface{}{
			"task":  j.Name,
			"error": err.Error(),
		})
		return
	}
	if n > 0 {
		logger.InfoCF("media", "Cleanup removed entries", map[string]interface{}{
			"task":  j.Name,
			"count": n,
		})
	}
}
