package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/pipeline/orchestrator/hooks"
	"goa.design/pipeline/orchestrator/pipeline"
	"goa.design/pipeline/orchestrator/state"
)

type (
	// AgentProber checks whether a dispatched agent job is still alive.
	// Implementations typically ask the job queue. A nil prober treats every
	// agent as unreachable, which is correct after a process restart.
	AgentProber interface {
		Alive(ctx context.Context, agentID string) bool
	}

	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// Machine provides store access and event publishing.
		Machine *Machine
		// Engine receives stalled pipelines for recovery.
		Engine *Engine
		// Prober checks agent liveness. Optional.
		Prober AgentProber
	}

	// Sweeper scans the hot store for contexts left behind by crashes:
	// terminal leftovers are reconciled away and stale executing pipelines are
	// handed to the recovery engine as stalled failures. The sweeper never
	// transitions state itself.
	Sweeper struct {
		m      *Machine
		engine *Engine
		prober AgentProber
	}

	// SweepSummary reports one sweep's effects.
	SweepSummary struct {
		// Total is the number of live contexts scanned.
		Total int
		// Recovered is the number of terminal leftovers reconciled.
		Recovered int
		// Stale is the number of pipelines handed to failure recovery.
		Stale int
	}
)

// NewSweeper constructs a Sweeper from opts.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Machine == nil {
		return nil, fmt.Errorf("machine is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	return &Sweeper{m: opts.Machine, engine: opts.Engine, prober: opts.Prober}, nil
}

// Sweep scans all live contexts once. Safe to re-run: a sweep that changed
// nothing leaves the store in a state where re-running it changes nothing.
func (s *Sweeper) Sweep(ctx context.Context) (SweepSummary, error) {
	ids, err := s.m.store.Scan(ctx)
	if err != nil {
		return SweepSummary{}, fmt.Errorf("scan contexts: %w", err)
	}

	var summary SweepSummary
	now := s.m.clock()
	for _, projectID := range ids {
		pctx, err := s.m.store.Load(ctx, projectID)
		if err != nil {
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			s.m.logger.Warn(ctx, "sweep load failed", "project_id", projectID, "error", err)
			continue
		}
		summary.Total++

		if pctx.CurrentState.Terminal() {
			s.reconcileTerminal(ctx, pctx)
			summary.Recovered++
			continue
		}
		if !pctx.CurrentState.Valid() {
			s.m.logger.Error(ctx, "context with invalid state skipped",
				"project_id", projectID, "state", string(pctx.CurrentState))
			continue
		}
		if s.isStale(ctx, pctx, now) {
			summary.Stale++
			s.m.logger.Info(ctx, "stale pipeline handed to recovery",
				"project_id", projectID, "state", string(pctx.CurrentState),
				"entered_at", pctx.StateEnteredAt)
			if _, err := s.engine.HandleFailure(ctx, FailureReport{
				ProjectID:   projectID,
				FailureType: pipeline.FailureStalled,
				Severity:    pipeline.SeverityMedium,
				Details:     fmt.Sprintf("no agent progress since %s", pctx.StateEnteredAt.Format(time.RFC3339)),
			}); err != nil {
				s.m.logger.Error(ctx, "stalled recovery failed", "project_id", projectID, "error", err)
			}
		}
	}

	s.m.publish(ctx, hooks.NewSweepCompletedEvent(summary.Total, summary.Recovered, summary.Stale))
	s.m.metrics.IncCounter("pipeline.sweep", 1)
	s.m.metrics.RecordGauge("pipeline.sweep.stale", float64(summary.Stale))
	s.m.logger.Info(ctx, "sweep completed",
		"total", summary.Total, "recovered", summary.Recovered, "stale", summary.Stale)
	return summary, nil
}

// Run sweeps immediately and then on every interval tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if _, err := s.Sweep(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.m.logger.Error(ctx, "sweep failed", "error", err)
			}
		}
	}
}

// reconcileTerminal removes a terminal context that survived its run, usually
// a crash between the journal append and the store delete. The journal
// already holds the terminal row so no transition is recorded.
func (s *Sweeper) reconcileTerminal(ctx context.Context, pctx pipeline.Context) {
	if err := s.m.store.Delete(ctx, pctx.ProjectID); err != nil {
		s.m.logger.Warn(ctx, "terminal leftover delete failed", "project_id", pctx.ProjectID, "error", err)
		return
	}
	if s.m.checkpoints != nil {
		if err := s.m.checkpoints.DeleteAll(ctx, pctx.ProjectID); err != nil {
			s.m.logger.Warn(ctx, "terminal leftover checkpoint cleanup failed", "project_id", pctx.ProjectID, "error", err)
		}
	}
}

// isStale reports whether the pipeline is executing a phase, has sat in it
// past the stale threshold, and its agent (if any) is unreachable. Paused and
// escalated pipelines are never stale: they wait on humans, not agents.
func (s *Sweeper) isStale(ctx context.Context, pctx pipeline.Context, now time.Time) bool {
	if _, ok := pctx.CurrentState.Phase(); !ok {
		return false
	}
	if now.Sub(pctx.StateEnteredAt) <= s.m.cfg.StaleThreshold {
		return false
	}
	if s.prober != nil && pctx.ActiveAgentID != "" && s.prober.Alive(ctx, pctx.ActiveAgentID) {
		return false
	}
	return true
}
