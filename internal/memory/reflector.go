package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReflectSchedule reindexes every bank a few times a day.
const DefaultReflectSchedule = "@every 6h"

// reflectTimeout bounds one reflect pass; a wedged engine must not pin a
// cron goroutine forever.
const reflectTimeout = 5 * time.Minute

// Reflector periodically asks the engine to reindex the banks it owns.
type Reflector struct {
	engine   Engine
	banks    []string
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

// NewReflector schedules reflect passes for the given banks. An empty
// schedule selects DefaultReflectSchedule; empty banks select the default
// and skill banks.
func NewReflector(engine Engine, banks []string, schedule string, logger *slog.Logger) *Reflector {
	if schedule == "" {
		schedule = DefaultReflectSchedule
	}
	if len(banks) == 0 {
		banks = []string{DefaultBank, SkillBank}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reflector{
		engine:   engine,
		banks:    banks,
		schedule: schedule,
		logger:   logger.With("component", "memory_reflector"),
	}
}

// Start registers the cron entry and begins ticking.
func (r *Reflector) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.schedule, r.runOnce); err != nil {
		return fmt.Errorf("reflect schedule %q: %w", r.schedule, err)
	}
	r.cron.Start()
	r.logger.Info("reflection scheduled", "schedule", r.schedule, "banks", r.banks)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Reflector) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

func (r *Reflector) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), reflectTimeout)
	defer cancel()

	for _, bank := range r.banks {
		result, err := r.engine.Reflect(ctx, bank)
		if err != nil {
			r.logger.Warn("reflect failed", "bank", bank, "error", err)
			continue
		}
		r.logger.Info("reflect complete", "bank", bank, "indexed_files", result.IndexedFiles)
	}
}
