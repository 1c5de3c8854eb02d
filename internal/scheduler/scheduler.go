// Package scheduler runs the relay's periodic background tasks: the
// heartbeat summary and session history pruning.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/util"
)

// StateSource reports the connectivity classification.
type StateSource interface {
	State() connectivity.Result
}

// SessionSource reports the active relay session.
type SessionSource interface {
	Active() (relay.Status, bool)
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(before time.Time) (int64, error)
}

// Deps are the components the tasks read from.
type Deps struct {
	Probe   StateSource
	Relay   SessionSource
	History Pruner // nil when storage is disabled
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	timers    config.TimerConfig
	retention time.Duration
	deps      Deps
	eventBus  *events.EventBus
	clock     clock.Clock
	logger    zerolog.Logger

	// system usage, replaced in tests
	cpu    func() (float64, error)
	memory func() (*util.MemoryUsage, error)
}

// NewScheduler creates a new task scheduler.
func NewScheduler(timers config.TimerConfig, retention time.Duration, deps Deps, eventBus *events.EventBus) *Scheduler {
	return &Scheduler{
		timers:    timers,
		retention: retention,
		deps:      deps,
		eventBus:  eventBus,
		clock:     clock.New(),
		logger:    log.With().Str("component", "scheduler").Logger(),
		cpu:       util.GetCPUUsage,
		memory:    util.GetMemoryUsage,
	}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Int("heartbeat_sec", s.timers.HeartbeatInterval).
		Int("prune_sec", s.timers.PruneInterval).
		Msg("scheduler started")

	var wg sync.WaitGroup

	if s.timers.HeartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.every(ctx, time.Duration(s.timers.HeartbeatInterval)*time.Second, s.Heartbeat)
		}()
	}

	if s.deps.History != nil && s.retention > 0 && s.timers.PruneInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.PruneHistory(ctx)
			s.every(ctx, time.Duration(s.timers.PruneInterval)*time.Second, s.PruneHistory)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// Heartbeat emits a summary of connectivity, the session and system usage.
func (s *Scheduler) Heartbeat(ctx context.Context) {
	payload := events.HeartbeatPayload{
		Connectivity: s.deps.Probe.State().State.String(),
	}
	if st, ok := s.deps.Relay.Active(); ok {
		payload.SessionOpen = true
		payload.Peers = len(st.Peers)
	}
	if cpu, err := s.cpu(); err == nil {
		payload.CPUPercent = cpu
	}
	if mem, err := s.memory(); err == nil {
		payload.MemoryUsedMB = mem.Used
	}

	s.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "scheduler",
		Payload: payload,
	})
}

// PruneHistory deletes sessions and results older than the retention period.
func (s *Scheduler) PruneHistory(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.deps.History.Prune(cutoff)
	if err != nil {
		s.logger.Warn().Err(err).Msg("history prune failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Time("before", cutoff).Msg("history pruned")
	}
}
