// Package janitor runs scheduled maintenance: session cleanup, workspace
// pruning, memory store cleanup and checkpoint retention.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"maestro/internal/memory"
	"maestro/internal/session"
	"maestro/internal/stage"
	"maestro/internal/workspace"
	"maestro/pkg/logger"
)

// defaultSchedule runs maintenance nightly at 03:00.
const defaultSchedule = "0 3 * * *"

// Config bounds each maintenance duty. A zero value disables that duty.
type Config struct {
	Schedule              string // cron expression; defaults to nightly
	SessionMaxAgeDays     int
	MemoryCleanupDays     int
	CheckpointCleanupDays int
}

// Janitor owns the maintenance schedule.
type Janitor struct {
	config      Config
	sessions    *session.Manager
	workspaces  *workspace.Manager
	memory      *memory.Store
	checkpoints *stage.CheckpointStore
	cron        *cron.Cron
}

// New creates a janitor over the given collaborators; any may be nil.
func New(config Config, sessions *session.Manager, workspaces *workspace.Manager, mem *memory.Store, checkpoints *stage.CheckpointStore) *Janitor {
	if config.Schedule == "" {
		config.Schedule = defaultSchedule
	}
	return &Janitor{
		config:      config,
		sessions:    sessions,
		workspaces:  workspaces,
		memory:      mem,
		checkpoints: checkpoints,
	}
}

// Start schedules the maintenance job.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	logger.Info().Str("schedule", j.config.Schedule).Msg("janitor started")
	return nil
}

// Stop cancels the schedule, waiting for a running job to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce performs every enabled duty. Failures are logged per duty and do
// not stop the remaining duties.
func (j *Janitor) RunOnce(ctx context.Context) {
	if j.sessions != nil && j.config.SessionMaxAgeDays > 0 {
		removed := j.sessions.Cleanup(time.Duration(j.config.SessionMaxAgeDays) * 24 * time.Hour)
		if len(removed) > 0 {
			logger.Info().Int("sessions", len(removed)).Msg("janitor removed stale sessions")
		}

		if j.workspaces != nil {
			// Workspace directories follow the surviving sessions.
			if count, err := j.workspaces.CleanupSessions(j.allSessionIDs()); err != nil {
				logger.Warn().Err(err).Msg("workspace cleanup failed")
			} else if count > 0 {
				logger.Info().Int("workspaces", count).Msg("janitor removed orphan workspaces")
			}
		}
	}

	if j.memory != nil && j.config.MemoryCleanupDays > 0 {
		if deleted, err := j.memory.Cleanup(ctx, j.config.MemoryCleanupDays); err != nil {
			logger.Warn().Err(err).Msg("memory cleanup failed")
		} else if deleted > 0 {
			logger.Info().Int64("entries", deleted).Msg("janitor removed old memory entries")
		}
	}

	if j.checkpoints != nil && j.config.CheckpointCleanupDays > 0 {
		if removed, err := j.checkpoints.CleanupOlderThan(j.config.CheckpointCleanupDays); err != nil {
			logger.Warn().Err(err).Msg("checkpoint cleanup failed")
		} else if len(removed) > 0 {
			logger.Info().Int("checkpoints", len(removed)).Msg("janitor removed old checkpoints")
		}
	}
}

// allSessionIDs returns every surviving session id, active or not, so that
// workspace pruning only removes directories with no session at all.
func (j *Janitor) allSessionIDs() []string {
	sessions := j.sessions.List()
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}
