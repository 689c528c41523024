package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

// Scheduler drives periodic maintenance sweeps from a cron expression.
// The schedule can be replaced at runtime through the admin API.
type Scheduler struct {
	mu         sync.Mutex
	cron       *cron.Cron
	entry      cron.EntryID
	spec       string
	engine     *Engine
	operations []string
	logger     *slog.Logger
}

// NewScheduler creates a scheduler for the given operations. The initial
// schedule comes from APPHUB_LIFECYCLE_SCHEDULE (standard five-field cron).
func NewScheduler(engine *Engine, operations []string) (*Scheduler, error) {
	s := &Scheduler{
		cron:       cron.New(),
		spec:       config.GetEnvStr("APPHUB_LIFECYCLE_SCHEDULE", "*/30 * * * *"),
		engine:     engine,
		operations: operations,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	entry, err := s.cron.AddFunc(s.spec, s.sweep)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid lifecycle schedule", err)
	}

	s.entry = entry

	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("lifecycle scheduler started", "schedule", s.spec)
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Schedule returns the active cron expression.
func (s *Scheduler) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.spec
}

// Reschedule swaps the cron expression. An invalid expression leaves the
// current schedule running.
func (s *Scheduler) Reschedule(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "invalid lifecycle schedule", err)
	}

	s.cron.Remove(s.entry)
	s.entry = entry
	s.spec = spec

	s.logger.Info("lifecycle schedule replaced", "schedule", spec)

	return nil
}

func (s *Scheduler) sweep() {
	s.engine.MaintainAll(context.Background(), s.operations)
}
