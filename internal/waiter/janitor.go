package waiter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJanitorSpec runs the purge every ten minutes.
const DefaultJanitorSpec = "*/10 * * * *"

// Janitor periodically purges stale buffered notifications from a Waiter.
type Janitor struct {
	waiter    *Waiter
	retention time.Duration
	spec      string
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewJanitor creates a janitor that purges entries older than retention on
// the given five-field cron schedule.
func NewJanitor(w *Waiter, spec string, retention time.Duration, logger *slog.Logger) (*Janitor, error) {
	if spec == "" {
		spec = DefaultJanitorSpec
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{waiter: w, retention: retention, spec: spec, logger: logger}, nil
}

// Start schedules the purge job.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return fmt.Errorf("janitor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.spec, j.sweep); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("waiter janitor started", slog.String("schedule", j.spec), slog.Duration("retention", j.retention))
	return nil
}

func (j *Janitor) sweep() {
	if n := j.waiter.Purge(j.retention); n > 0 {
		j.logger.Info("purged stale waiter entries", slog.Int("count", n))
	}
}

// Stop unschedules the job and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("waiter janitor stopped")
}
