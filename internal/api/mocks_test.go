package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/fleetctl/internal/broker"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/feeds"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/saga"
	"github.com/kalambet/fleetctl/internal/storage"
)

const testToken = "test-token-12345"

type mockFleet struct {
	mu       sync.Mutex
	bots     map[string]fleet.Status
	sendErr  error
	history  fleet.HistoryResult
	lastCmd  string
	lastOpts any
}

func newMockFleet(bots ...string) *mockFleet {
	m := &mockFleet{bots: map[string]fleet.Status{}}
	for _, b := range bots {
		m.bots[b] = fleet.StatusRunning
	}
	return m
}

func (m *mockFleet) known(id string) error {
	if _, ok := m.bots[id]; !ok {
		return fmt.Errorf("%s: %w", id, fleet.ErrBotNotFound)
	}
	return nil
}

func (m *mockFleet) record(cmd string, opts any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCmd = cmd
	m.lastOpts = opts
}

func (m *mockFleet) FleetStatus() []fleet.BotStatus {
	var out []fleet.BotStatus
	for id, st := range m.bots {
		out = append(out, fleet.BotStatus{BotID: id, Status: st, Provenance: fleet.FromBoth})
	}
	return out
}

func (m *mockFleet) Detail(id string) (fleet.BotDetail, error) {
	if err := m.known(id); err != nil {
		return fleet.BotDetail{}, err
	}
	return fleet.BotDetail{BotStatus: fleet.BotStatus{BotID: id, Status: m.bots[id]}}, nil
}

func (m *mockFleet) Start(id string, opts fleet.StartOptions) error {
	if err := m.known(id); err != nil {
		return err
	}
	m.record("start", opts)
	return m.sendErr
}

func (m *mockFleet) Stop(id string, opts fleet.StopOptions) error {
	if err := m.known(id); err != nil {
		return err
	}
	m.record("stop", opts)
	return m.sendErr
}

func (m *mockFleet) Configure(id string, params map[string]any) error {
	if err := m.known(id); err != nil {
		return err
	}
	m.record("config", params)
	return m.sendErr
}

func (m *mockFleet) ImportStrategy(id, strategy string) error {
	if err := m.known(id); err != nil {
		return err
	}
	m.record("import_strategy", strategy)
	return m.sendErr
}

func (m *mockFleet) History(_ context.Context, id string, opts fleet.HistoryOptions) (fleet.HistoryResult, error) {
	if err := m.known(id); err != nil {
		return fleet.HistoryResult{}, err
	}
	m.record("history", opts)
	return m.history, m.sendErr
}

func (m *mockFleet) Broker() fleet.BrokerView {
	return fleet.BrokerView{Connected: true, TrackedBots: []string{"alpha"}}
}

type mockSagas struct {
	mu       sync.Mutex
	requests []saga.Request
	err      error
	released bool
}

func (m *mockSagas) Begin(req saga.Request) (saga.Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return saga.Ack{}, m.err
	}
	m.requests = append(m.requests, req)
	return saga.Ack{SagaID: "saga-1", Status: "accepted", BotID: req.BotID, Container: "hummingbot-" + req.BotID,
		ArchiveTarget: string(req.ArchiveTarget), Phases: saga.Steps}, nil
}

func (m *mockSagas) Release(string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.released, nil
}

func (m *mockSagas) InFlight() []string { return []string{"hummingbot-alpha"} }

type mockContainers struct {
	list []docker.Container
	err  error
	all  bool

	actions   []string
	actionErr error
	exited    []string
}

func (m *mockContainers) IsBot(name string) bool {
	return strings.HasPrefix(name, "hummingbot-") && !strings.Contains(name, "broker")
}

func (m *mockContainers) ListBots(_ context.Context, all bool) ([]docker.Container, error) {
	m.all = all
	return m.list, m.err
}

func (m *mockContainers) record(action string) error {
	m.actions = append(m.actions, action)
	return m.actionErr
}

func (m *mockContainers) Start(_ context.Context, name string) error {
	return m.record("start " + name)
}

func (m *mockContainers) Stop(_ context.Context, name string) error {
	return m.record("stop " + name)
}

func (m *mockContainers) Remove(_ context.Context, name string, force bool) error {
	return m.record(fmt.Sprintf("remove %s force=%v", name, force))
}

func (m *mockContainers) RemoveExited(context.Context) ([]string, error) {
	return m.exited, m.actionErr
}

type staticFeed struct {
	snap feeds.Snapshot
	ok   bool
}

func (f *staticFeed) Latest() (feeds.Snapshot, bool) { return f.snap, f.ok }
func (f *staticFeed) Dispose()                       {}
func (f *staticFeed) Done() <-chan struct{}          { return nil }

type mockFeeds struct {
	feed *staticFeed
	err  error
	keys []feeds.Key

	info     []feeds.FeedInfo
	released []feeds.Key
}

func (m *mockFeeds) Info() []feeds.FeedInfo { return m.info }

// Release succeeds for keys that appear in info.
func (m *mockFeeds) Release(key feeds.Key) bool {
	m.released = append(m.released, key)
	for _, fi := range m.info {
		if fi.Key == key {
			return true
		}
	}
	return false
}

func (m *mockFeeds) Acquire(_ context.Context, key feeds.Key) (feeds.Feed, error) {
	m.keys = append(m.keys, key)
	if m.err != nil {
		return nil, m.err
	}
	return m.feed, nil
}

type mockConnection struct{}

func (mockConnection) Status() broker.Status {
	return broker.Status{Connected: true, PendingCalls: 2}
}

type mockEvents struct{ sent, dropped int64 }

func (m mockEvents) Stats() (int64, int64) { return m.sent, m.dropped }

type testEnv struct {
	deps       AppDeps
	fleet      *mockFleet
	sagas      *mockSagas
	store      *storage.Store
	containers *mockContainers
	feeds      *mockFeeds
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		fleet:      newMockFleet("alpha"),
		sagas:      &mockSagas{},
		store:      store,
		containers: &mockContainers{},
		feeds: &mockFeeds{feed: &staticFeed{
			snap: feeds.Snapshot{Data: json.RawMessage(`{"close":42}`)},
			ok:   true,
		}},
	}
	env.deps = AppDeps{
		Fleet:      env.fleet,
		Sagas:      env.sagas,
		Journal:    store,
		Containers: env.containers,
		Feeds:      env.feeds,
		Connection: mockConnection{},
		Token:      testToken,
	}
	return env
}
