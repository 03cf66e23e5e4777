package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/storage"
)

// run walks one saga through its phases. It never sees the request's
// context: once accepted, a saga runs to done or aborted.
func (r *Runner) run(s storage.Saga, asyncBackend bool) {
	log := r.logger.With("saga_id", s.ID, "bot_id", s.BotID, "container", s.Container)

	r.transition(&s, PhaseStopping, "")
	err := r.fleet.Stop(s.BotID, fleet.StopOptions{
		SkipOrderCancellation: s.SkipOrderCancellation,
		AsyncBackend:          asyncBackend,
	})
	if err != nil {
		log.Error("stop command failed, aborting", "error", err)
		r.fleet.Release(s.BotID)
		s.ExclusionHeld = false
		s.Error = fmt.Sprintf("stop command: %v", err)
		r.transition(&s, PhaseAborted, s.Error)
		return
	}

	r.transition(&s, PhaseGrace, r.cfg.GracePeriod.String())
	<-r.clock.After(r.cfg.GracePeriod)

	r.transition(&s, PhaseStoppingContainer, "")
	if err := r.stopContainer(s.Container); err != nil {
		log.Error("container did not stop, bot stays excluded", "error", err)
		s.Error = err.Error()
		r.transition(&s, PhaseAborted, s.Error)
		return
	}

	r.transition(&s, PhaseArchiving, s.ArchiveTarget)
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	res, err := r.archiver.Archive(ctx, archive.Request{
		SagaID:    s.ID,
		BotID:     s.BotID,
		Container: s.Container,
		Target:    archive.Target(s.ArchiveTarget),
		Bucket:    s.ArchiveBucket,
	})
	cancel()
	if err != nil {
		log.Error("archive failed, continuing with removal", "error", err)
		r.event(s.ID, PhaseArchiving, "failed: "+err.Error())
	} else {
		r.event(s.ID, PhaseArchiving, "stored at "+res.Location)
	}

	r.transition(&s, PhaseRemoving, "")
	if err := r.removeContainer(s.Container); err != nil {
		log.Error("container removal failed", "error", err)
		r.event(s.ID, PhaseRemoving, "failed: "+err.Error())
	}

	r.fleet.PurgeTelemetry(s.BotID)
	r.fleet.Release(s.BotID)
	s.ExclusionHeld = false
	r.transition(&s, PhaseDone, "")
	log.Info("stop-and-archive finished")
}

// stopContainer asks the runtime to stop name until it reports exited or
// gone, waiting a fixed interval between attempts.
func (r *Runner) stopContainer(name string) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.StopAttempts; attempt++ {
		stopped, err := r.tryStop(name)
		if stopped {
			return nil
		}
		lastErr = err
		r.logger.Warn("container still running", "container", name, "attempt", attempt, "error", err)
		if attempt < r.cfg.StopAttempts {
			<-r.clock.After(r.cfg.StopRetryInterval)
		}
	}
	return fmt.Errorf("container %s not stopped after %d attempts: %w", name, r.cfg.StopAttempts, lastErr)
}

func (r *Runner) tryStop(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()

	if err := r.containers.Stop(ctx, name); err != nil {
		if errors.Is(err, docker.ErrContainerNotFound) {
			return true, nil
		}
		r.logger.Debug("container stop request failed", "container", name, "error", err)
	}
	state, err := r.containers.State(ctx, name)
	if errors.Is(err, docker.ErrContainerNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if state == "exited" {
		return true, nil
	}
	return false, fmt.Errorf("state %q", state)
}

// removeContainer removes name gracefully, falling back to a forced
// removal. It only fails when both do.
func (r *Runner) removeContainer(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OpTimeout)
	defer cancel()

	err := r.containers.Remove(ctx, name, false)
	if err == nil || errors.Is(err, docker.ErrContainerNotFound) {
		return nil
	}
	r.logger.Warn("graceful removal failed, forcing", "container", name, "error", err)
	if ferr := r.containers.Remove(ctx, name, true); ferr != nil && !errors.Is(ferr, docker.ErrContainerNotFound) {
		return fmt.Errorf("graceful: %v; forced: %w", err, ferr)
	}
	return nil
}

func (r *Runner) transition(s *storage.Saga, phase Phase, detail string) {
	s.Phase = string(phase)
	s.UpdatedAt = r.clock.Now()
	if err := r.journal.SaveSaga(*s); err != nil {
		r.logger.Warn("journaling saga failed", "saga_id", s.ID, "phase", phase, "error", err)
	}
	r.event(s.ID, phase, detail)
}

func (r *Runner) event(sagaID string, phase Phase, detail string) {
	ev := storage.SagaEvent{SagaID: sagaID, Phase: string(phase), Detail: detail, CreatedAt: r.clock.Now()}
	if err := r.journal.AppendSagaEvent(ev); err != nil {
		r.logger.Warn("journaling saga event failed", "saga_id", sagaID, "phase", phase, "error", err)
	}
}
