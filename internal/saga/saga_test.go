package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/storage"
)

type mockFleet struct {
	mu       sync.Mutex
	tracked  map[string]bool
	excluded map[string]bool
	stopErr  error
	stops    []fleet.StopOptions
	purged   []string
}

func newMockFleet(tracked ...string) *mockFleet {
	f := &mockFleet{tracked: map[string]bool{}, excluded: map[string]bool{}}
	for _, id := range tracked {
		f.tracked[id] = true
	}
	return f
}

func (f *mockFleet) IsTracked(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked[id] && !f.excluded[id]
}

func (f *mockFleet) Exclude(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.excluded[id] = true
}

func (f *mockFleet) Release(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := f.excluded[id]
	delete(f.excluded, id)
	return ok
}

func (f *mockFleet) isExcluded(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.excluded[id]
}

func (f *mockFleet) Stop(_ string, opts fleet.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, opts)
	return f.stopErr
}

func (f *mockFleet) PurgeTelemetry(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, id)
}

type mockContainers struct {
	mu        sync.Mutex
	stopErr   error
	states    []string // consumed per State call; last one repeats
	stateErr  error
	removeErr map[bool]error // keyed by force
	stopCalls int
	removes   []bool
}

func (m *mockContainers) Stop(context.Context, string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	return m.stopErr
}

func (m *mockContainers) State(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return "", m.stateErr
	}
	if len(m.states) == 0 {
		return "exited", nil
	}
	st := m.states[0]
	if len(m.states) > 1 {
		m.states = m.states[1:]
	}
	return st, nil
}

func (m *mockContainers) Remove(_ context.Context, _ string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, force)
	return m.removeErr[force]
}

type mockArchiver struct {
	mu   sync.Mutex
	reqs []archive.Request
	err  error
}

func (m *mockArchiver) Archive(_ context.Context, req archive.Request) (archive.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reqs = append(m.reqs, req)
	if m.err != nil {
		return archive.Result{}, m.err
	}
	return archive.Result{Location: "/archives/" + req.Container + ".tar.zst"}, nil
}

type fixture struct {
	runner     *Runner
	fleet      *mockFleet
	containers *mockContainers
	archiver   *mockArchiver
	journal    *storage.Store
	clock      *clock.FakeClock
}

func newFixture(t *testing.T, tracked ...string) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fx := &fixture{
		fleet:      newMockFleet(tracked...),
		containers: &mockContainers{},
		archiver:   &mockArchiver{},
		journal:    store,
		clock:      clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	fx.runner = NewRunner(fx.fleet, fx.containers, fx.archiver, store, Config{
		GracePeriod:       15 * time.Second,
		StopAttempts:      3,
		StopRetryInterval: 3 * time.Second,
	}, fx.clock)
	return fx
}

func (fx *fixture) passGrace() {
	fx.clock.WaitForTimers(1)
	fx.clock.Advance(15 * time.Second)
}

func (fx *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fx.runner.Wait(ctx); err != nil {
		t.Fatalf("saga did not finish: %v", err)
	}
}

func (fx *fixture) phases(t *testing.T, sagaID string) []string {
	t.Helper()
	events, err := fx.journal.SagaEvents(sagaID)
	if err != nil {
		t.Fatalf("SagaEvents: %v", err)
	}
	var out []string
	for _, ev := range events {
		if len(out) == 0 || out[len(out)-1] != ev.Phase {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSaga_HappyPath(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha", SkipOrderCancellation: true})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ack.Status != "accepted" || ack.Container != "hummingbot-alpha" || ack.ArchiveTarget != "local" {
		t.Errorf("ack = %+v", ack)
	}
	if !fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("bot should be excluded as soon as the saga is accepted")
	}

	fx.passGrace()
	fx.wait(t)

	want := []string{"accepted", "stopping", "grace", "stopping_container", "archiving", "removing", "done"}
	if got := fx.phases(t, ack.SagaID); !equalStrings(got, want) {
		t.Errorf("phases = %v, want %v", got, want)
	}

	sg, err := fx.journal.GetSaga(ack.SagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "done" || sg.ExclusionHeld {
		t.Errorf("final saga = %+v", sg)
	}
	if len(fx.fleet.stops) != 1 || !fx.fleet.stops[0].SkipOrderCancellation {
		t.Errorf("stop commands = %+v", fx.fleet.stops)
	}
	if len(fx.archiver.reqs) != 1 || fx.archiver.reqs[0].SagaID != ack.SagaID {
		t.Errorf("archive requests = %+v", fx.archiver.reqs)
	}
	if len(fx.containers.removes) != 1 || fx.containers.removes[0] {
		t.Errorf("removes = %v, want one graceful", fx.containers.removes)
	}
	if len(fx.fleet.purged) != 1 {
		t.Errorf("telemetry purged %d times, want 1", len(fx.fleet.purged))
	}
	if fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("exclusion should be cleared after done")
	}
	if len(fx.runner.InFlight()) != 0 {
		t.Errorf("in flight = %v", fx.runner.InFlight())
	}
}

func TestSaga_NormalizesContainerName(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")

	ack, err := fx.runner.Begin(Request{BotID: "alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ack.BotID != "hummingbot-alpha" || ack.Container != "hummingbot-alpha" {
		t.Errorf("ack = %+v", ack)
	}
	fx.passGrace()
	fx.wait(t)
}

func TestSaga_BareBotID(t *testing.T) {
	fx := newFixture(t, "alpha")

	ack, err := fx.runner.Begin(Request{BotID: "alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if ack.BotID != "alpha" || ack.Container != "hummingbot-alpha" {
		t.Errorf("ack = %+v", ack)
	}
	fx.passGrace()
	fx.wait(t)
}

func TestSaga_UnknownBot(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.runner.Begin(Request{BotID: "ghost"})
	if !errors.Is(err, fleet.ErrBotNotFound) {
		t.Fatalf("expected ErrBotNotFound, got %v", err)
	}
	if fx.fleet.isExcluded("ghost") || fx.fleet.isExcluded("hummingbot-ghost") {
		t.Error("unknown bot should not be excluded")
	}
}

func TestSaga_DuplicateRejected(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")

	if _, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.clock.WaitForTimers(1)

	_, err := fx.runner.Begin(Request{BotID: "alpha"})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	if _, err := fx.runner.Release("alpha"); !errors.Is(err, ErrInProgress) {
		t.Errorf("Release during run: expected ErrInProgress, got %v", err)
	}

	fx.clock.Advance(15 * time.Second)
	fx.wait(t)
}

func TestSaga_StopCommandFailureAborts(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.fleet.stopErr = errors.New("broker not connected")

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.wait(t)

	sg, err := fx.journal.GetSaga(ack.SagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "aborted" || sg.ExclusionHeld || sg.Error == "" {
		t.Errorf("saga = %+v", sg)
	}
	if fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("exclusion should be cleared when the stop command fails")
	}
	if fx.containers.stopCalls != 0 || len(fx.archiver.reqs) != 0 {
		t.Error("no later phase should run after an abort")
	}
}

func TestSaga_ContainerStopExhaustedHoldsExclusion(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.containers.states = []string{"running"}

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.passGrace()
	for i := 0; i < 2; i++ {
		fx.clock.WaitForTimers(1)
		fx.clock.Advance(3 * time.Second)
	}
	fx.wait(t)

	if fx.containers.stopCalls != 3 {
		t.Errorf("stop attempts = %d, want 3", fx.containers.stopCalls)
	}
	sg, err := fx.journal.GetSaga(ack.SagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "aborted" || !sg.ExclusionHeld {
		t.Errorf("saga = %+v, want aborted holding exclusion", sg)
	}
	if !fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("bot should stay excluded after container stop exhaustion")
	}
	if len(fx.archiver.reqs) != 0 || len(fx.containers.removes) != 0 {
		t.Error("archive and removal must not run after an abort")
	}

	released, err := fx.runner.Release("alpha")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released {
		t.Error("Release should report the held exclusion")
	}
	if fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("bot still excluded after Release")
	}
	held, err := fx.journal.HeldSagas()
	if err != nil {
		t.Fatalf("HeldSagas: %v", err)
	}
	if len(held) != 0 {
		t.Errorf("held sagas after release = %d", len(held))
	}
}

func TestSaga_ContainerStopsOnRetry(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.containers.states = []string{"running", "exited"}

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.passGrace()
	fx.clock.WaitForTimers(1)
	fx.clock.Advance(3 * time.Second)
	fx.wait(t)

	if fx.containers.stopCalls != 2 {
		t.Errorf("stop attempts = %d, want 2", fx.containers.stopCalls)
	}
	if sg, _ := fx.journal.GetSaga(ack.SagaID); sg.Phase != "done" {
		t.Errorf("phase = %q, want done", sg.Phase)
	}
}

func TestSaga_MissingContainerCountsAsStopped(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.containers.stopErr = docker.ErrContainerNotFound
	fx.containers.stateErr = docker.ErrContainerNotFound

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.passGrace()
	fx.wait(t)

	if sg, _ := fx.journal.GetSaga(ack.SagaID); sg.Phase != "done" {
		t.Errorf("phase = %q, want done", sg.Phase)
	}
}

func TestSaga_PartialFailures(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.archiver.err = errors.New("disk full")
	fx.containers.removeErr = map[bool]error{false: errors.New("container is running")}

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha", ArchiveTarget: archive.TargetS3, Bucket: "b"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.passGrace()
	fx.wait(t)

	if len(fx.containers.removes) != 2 || fx.containers.removes[0] || !fx.containers.removes[1] {
		t.Errorf("removes = %v, want graceful then forced", fx.containers.removes)
	}
	if fx.archiver.reqs[0].Target != archive.TargetS3 || fx.archiver.reqs[0].Bucket != "b" {
		t.Errorf("archive request = %+v", fx.archiver.reqs[0])
	}
	sg, err := fx.journal.GetSaga(ack.SagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "done" {
		t.Errorf("phase = %q, want done despite archive failure", sg.Phase)
	}
}

func TestSaga_BothRemovalsFail(t *testing.T) {
	fx := newFixture(t, "hummingbot-alpha")
	fx.containers.removeErr = map[bool]error{
		false: errors.New("container is running"),
		true:  errors.New("driver busy"),
	}

	ack, err := fx.runner.Begin(Request{BotID: "hummingbot-alpha"})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fx.passGrace()
	fx.wait(t)

	if len(fx.containers.removes) != 2 || fx.containers.removes[0] || !fx.containers.removes[1] {
		t.Errorf("removes = %v, want graceful then forced", fx.containers.removes)
	}
	sg, err := fx.journal.GetSaga(ack.SagaID)
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "done" || sg.ExclusionHeld {
		t.Errorf("final saga = %+v, want done with the exclusion released", sg)
	}
	if fx.fleet.isExcluded("hummingbot-alpha") {
		t.Error("exclusion should be cleared even when removal fails")
	}

	events, err := fx.journal.SagaEvents(ack.SagaID)
	if err != nil {
		t.Fatalf("SagaEvents: %v", err)
	}
	var found bool
	for _, ev := range events {
		if ev.Phase == "removing" && ev.Detail == "failed: graceful: container is running; forced: driver busy" {
			found = true
		}
	}
	if !found {
		t.Errorf("no removing event carrying both failures in %+v", events)
	}
}

func TestRecover_ReexcludesHeldBots(t *testing.T) {
	fx := newFixture(t)
	now := fx.clock.Now()

	interrupted := storage.Saga{ID: "s1", BotID: "hummingbot-a", Container: "hummingbot-a", Phase: "grace",
		ArchiveTarget: "local", ExclusionHeld: true, CreatedAt: now, UpdatedAt: now}
	held := storage.Saga{ID: "s2", BotID: "hummingbot-b", Container: "hummingbot-b", Phase: "aborted",
		ArchiveTarget: "local", ExclusionHeld: true, CreatedAt: now, UpdatedAt: now}
	finished := storage.Saga{ID: "s3", BotID: "hummingbot-c", Container: "hummingbot-c", Phase: "done",
		ArchiveTarget: "local", CreatedAt: now, UpdatedAt: now}
	for _, s := range []storage.Saga{interrupted, held, finished} {
		if err := fx.journal.SaveSaga(s); err != nil {
			t.Fatalf("SaveSaga: %v", err)
		}
	}

	n, err := fx.runner.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d sagas, want 2", n)
	}
	if !fx.fleet.isExcluded("hummingbot-a") || !fx.fleet.isExcluded("hummingbot-b") {
		t.Error("held bots should be excluded after recovery")
	}
	if fx.fleet.isExcluded("hummingbot-c") {
		t.Error("finished saga should not exclude its bot")
	}

	sg, err := fx.journal.GetSaga("s1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if sg.Phase != "aborted" || !sg.ExclusionHeld || sg.Error == "" {
		t.Errorf("interrupted saga = %+v", sg)
	}
}

func TestRelease_NothingHeld(t *testing.T) {
	fx := newFixture(t)

	released, err := fx.runner.Release("alpha")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released {
		t.Error("Release should report nothing released")
	}
}
