// Package saga runs the stop-and-archive workflow for a bot as a journaled
// phase machine. A run is accepted synchronously and then proceeds on its
// own goroutine, independent of the request that started it.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/storage"
)

// ErrInProgress is returned when a saga for the bot is already running.
var ErrInProgress = errors.New("stop-and-archive already in progress")

type Phase string

const (
	PhaseAccepted          Phase = "accepted"
	PhaseStopping          Phase = "stopping"
	PhaseGrace             Phase = "grace"
	PhaseStoppingContainer Phase = "stopping_container"
	PhaseArchiving         Phase = "archiving"
	PhaseRemoving          Phase = "removing"
	PhaseDone              Phase = "done"
	PhaseAborted           Phase = "aborted"
)

// Steps lists the phases of a successful run in order.
var Steps = []Phase{
	PhaseAccepted, PhaseStopping, PhaseGrace, PhaseStoppingContainer,
	PhaseArchiving, PhaseRemoving, PhaseDone,
}

// Fleet is the part of the fleet manager a saga drives.
type Fleet interface {
	IsTracked(botID string) bool
	Exclude(botID string)
	Release(botID string) bool
	Stop(botID string, opts fleet.StopOptions) error
	PurgeTelemetry(botID string)
}

// Containers is the container runtime a saga stops and removes.
type Containers interface {
	Stop(ctx context.Context, name string) error
	State(ctx context.Context, name string) (string, error)
	Remove(ctx context.Context, name string, force bool) error
}

type Archiver interface {
	Archive(ctx context.Context, req archive.Request) (archive.Result, error)
}

// Journal persists saga state. *storage.Store satisfies it.
type Journal interface {
	SaveSaga(s storage.Saga) error
	AppendSagaEvent(ev storage.SagaEvent) error
	HeldSagas() ([]storage.Saga, error)
	ReleaseSagas(botID string) (int64, error)
}

type Config struct {
	GracePeriod       time.Duration
	StopAttempts      int
	StopRetryInterval time.Duration
	ContainerPrefix   string
	// OpTimeout bounds each container runtime and archive call.
	OpTimeout time.Duration
}

// Request starts a stop-and-archive run. BotID may be given with or
// without the container prefix.
type Request struct {
	BotID                 string
	SkipOrderCancellation bool
	AsyncBackend          bool
	ArchiveTarget         archive.Target
	Bucket                string
}

// Ack is returned as soon as a run is accepted.
type Ack struct {
	SagaID        string  `json:"saga_id"`
	Status        string  `json:"status"`
	BotID         string  `json:"bot_id"`
	Container     string  `json:"container"`
	ArchiveTarget string  `json:"archive_target"`
	Bucket        string  `json:"bucket,omitempty"`
	Phases        []Phase `json:"phases"`
	Message       string  `json:"message"`
}

// Runner starts sagas and tracks the ones in flight.
type Runner struct {
	fleet      Fleet
	containers Containers
	archiver   Archiver
	journal    Journal
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]string // container -> saga id
	wg       sync.WaitGroup
}

// NewRunner creates a Runner. Zero config values fall back to a 15s grace
// period and 10 container stop attempts spaced 3s apart.
func NewRunner(f Fleet, containers Containers, archiver Archiver, journal Journal, cfg Config, clk clock.Clock) *Runner {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = 10
	}
	if cfg.StopRetryInterval <= 0 {
		cfg.StopRetryInterval = 3 * time.Second
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "hummingbot-"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		fleet:      f,
		containers: containers,
		archiver:   archiver,
		journal:    journal,
		clock:      clk,
		cfg:        cfg,
		logger:     slog.Default(),
		inFlight:   make(map[string]string),
	}
}

// ContainerName adds the container prefix to name unless it already has it.
func (r *Runner) ContainerName(name string) string {
	if strings.HasPrefix(name, r.cfg.ContainerPrefix) {
		return name
	}
	return r.cfg.ContainerPrefix + name
}

// resolve finds the tracked id for a bot given either form of its name.
func (r *Runner) resolve(name string) (botID, container string, ok bool) {
	container = r.ContainerName(name)
	bare := strings.TrimPrefix(name, r.cfg.ContainerPrefix)
	switch {
	case r.fleet.IsTracked(container):
		return container, container, true
	case r.fleet.IsTracked(bare):
		return bare, container, true
	case r.fleet.IsTracked(name):
		return name, container, true
	}
	return "", container, false
}

// Begin validates req, excludes the bot from reconciliation, journals the
// accepted phase and starts the run in the background.
func (r *Runner) Begin(req Request) (Ack, error) {
	if req.ArchiveTarget == "" {
		req.ArchiveTarget = archive.TargetLocal
	}

	r.mu.Lock()
	botID, container, ok := r.resolve(req.BotID)
	if id, running := r.inFlight[container]; running {
		r.mu.Unlock()
		return Ack{}, fmt.Errorf("%s (saga %s): %w", container, id, ErrInProgress)
	}
	if !ok {
		r.mu.Unlock()
		return Ack{}, fmt.Errorf("%s: %w", req.BotID, fleet.ErrBotNotFound)
	}
	now := r.clock.Now()
	s := storage.Saga{
		ID:                    uuid.NewString(),
		BotID:                 botID,
		Container:             container,
		Phase:                 string(PhaseAccepted),
		SkipOrderCancellation: req.SkipOrderCancellation,
		ArchiveTarget:         string(req.ArchiveTarget),
		ArchiveBucket:         req.Bucket,
		ExclusionHeld:         true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	r.inFlight[container] = s.ID
	r.mu.Unlock()

	r.fleet.Exclude(botID)
	if err := r.journal.SaveSaga(s); err != nil {
		r.fleet.Release(botID)
		r.finish(container)
		return Ack{}, fmt.Errorf("journaling saga: %w", err)
	}
	r.event(s.ID, PhaseAccepted, "")

	r.logger.Info("stop-and-archive accepted", "saga_id", s.ID, "bot_id", botID, "container", container)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.finish(container)
		r.run(s, req.AsyncBackend)
	}()

	return Ack{
		SagaID:        s.ID,
		Status:        "accepted",
		BotID:         botID,
		Container:     container,
		ArchiveTarget: s.ArchiveTarget,
		Bucket:        s.ArchiveBucket,
		Phases:        Steps,
		Message:       fmt.Sprintf("stop-and-archive of %s started", botID),
	}, nil
}

func (r *Runner) finish(container string) {
	r.mu.Lock()
	delete(r.inFlight, container)
	r.mu.Unlock()
}

// InFlight returns the containers with a running saga, sorted.
func (r *Runner) InFlight() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.inFlight))
	for c := range r.inFlight {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every running saga has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover re-excludes every bot whose saga still holds its exclusion.
// Runs interrupted by a restart are journaled as aborted; the operator
// decides whether to release them.
func (r *Runner) Recover() (int, error) {
	held, err := r.journal.HeldSagas()
	if err != nil {
		return 0, fmt.Errorf("loading held sagas: %w", err)
	}
	for _, s := range held {
		r.fleet.Exclude(s.BotID)
		if Phase(s.Phase) != PhaseAborted {
			from := s.Phase
			s.Phase = string(PhaseAborted)
			s.Error = fmt.Sprintf("interrupted during %s by restart", from)
			s.UpdatedAt = r.clock.Now()
			if err := r.journal.SaveSaga(s); err != nil {
				r.logger.Warn("journaling recovered saga failed", "saga_id", s.ID, "error", err)
			}
			r.event(s.ID, PhaseAborted, s.Error)
		}
		r.logger.Warn("bot held by unfinished saga", "saga_id", s.ID, "bot_id", s.BotID, "phase", s.Phase)
	}
	return len(held), nil
}

// Release clears a held exclusion for botID, in either name form. It
// reports whether anything was released.
func (r *Runner) Release(name string) (bool, error) {
	container := r.ContainerName(name)
	r.mu.Lock()
	_, running := r.inFlight[container]
	r.mu.Unlock()
	if running {
		return false, fmt.Errorf("%s: %w", container, ErrInProgress)
	}

	var released bool
	for _, id := range uniq(name, container, strings.TrimPrefix(name, r.cfg.ContainerPrefix)) {
		n, err := r.journal.ReleaseSagas(id)
		if err != nil {
			return released, fmt.Errorf("releasing journal: %w", err)
		}
		if r.fleet.Release(id) || n > 0 {
			released = true
		}
	}
	if released {
		r.logger.Info("exclusion released", "bot_id", name)
	}
	return released, nil
}

func uniq(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
