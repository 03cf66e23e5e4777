// Package fleet reconciles the two bot presence signals, running
// containers and live broker traffic, into one set of tracked bots and
// exposes the commands that can be sent to them.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/fleetctl/internal/broker"
	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/telemetry"
)

// ContainerLister reports running bot containers by name.
type ContainerLister interface {
	RunningBots(ctx context.Context) ([]string, error)
}

// Transport delivers commands to bots.
type Transport interface {
	Publish(botID, command string, payload any) error
	Call(ctx context.Context, botID, command string, payload any, timeout time.Duration) (json.RawMessage, error)
	SubscribeBot(botID string) error
	UnsubscribeBot(botID string) error
	Connected() bool
}

// Config tunes the reconciliation loop.
type Config struct {
	Interval       time.Duration
	LivenessWindow time.Duration
	HistoryTimeout time.Duration
}

// Manager owns the tracked-bot registry and the exclusion set.
type Manager struct {
	containers ContainerLister
	transport  Transport
	telemetry  *telemetry.Store
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger

	mu       sync.RWMutex
	records  map[string]*Record
	excluded map[string]time.Time
}

// NewManager creates a Manager. Zero durations in cfg fall back to a 1s
// interval, a 30s liveness window and a 30s history timeout.
func NewManager(containers ContainerLister, transport Transport, store *telemetry.Store, cfg Config, clk clock.Clock) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 30 * time.Second
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		containers: containers,
		transport:  transport,
		telemetry:  store,
		clock:      clk,
		cfg:        cfg,
		logger:     slog.Default(),
		records:    make(map[string]*Record),
		excluded:   make(map[string]time.Time),
	}
}

// Run reconciles every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := m.ReconcileOnce(ctx); err != nil {
			m.logger.Warn("reconcile pass skipped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileOnce runs a single pass. If the container listing fails the
// registry is left untouched and the error is returned.
func (m *Manager) ReconcileOnce(ctx context.Context) error {
	running, err := m.containers.RunningBots(ctx)
	if err != nil {
		return fmt.Errorf("listing bot containers: %w", err)
	}
	live := m.telemetry.ActiveBots(m.cfg.LivenessWindow)

	candidates := make(map[string]Provenance, len(running)+len(live))
	for _, id := range running {
		candidates[id] = FromContainer
	}
	for _, id := range live {
		if _, ok := candidates[id]; ok {
			candidates[id] = FromBoth
		} else {
			candidates[id] = FromChannel
		}
	}

	now := m.clock.Now()
	var added, removed []string

	m.mu.Lock()
	for id := range m.excluded {
		delete(candidates, id)
	}
	for id := range m.records {
		if _, ok := candidates[id]; !ok {
			delete(m.records, id)
			removed = append(removed, id)
		}
	}
	for id, prov := range candidates {
		if rec, ok := m.records[id]; ok {
			rec.Provenance = prov
			rec.LastSeen = now
			continue
		}
		m.records[id] = &Record{BotID: id, Provenance: prov, FirstSeen: now, LastSeen: now}
		added = append(added, id)
	}
	m.mu.Unlock()

	sort.Strings(removed)
	sort.Strings(added)
	for _, id := range removed {
		m.telemetry.Purge(id)
		if err := m.transport.UnsubscribeBot(id); err != nil {
			m.logger.Warn("unsubscribe failed", "bot_id", id, "error", err)
		}
		m.logger.Info("bot left fleet", "bot_id", id)
	}
	for _, id := range added {
		if err := m.transport.SubscribeBot(id); err != nil {
			m.logger.Warn("subscribe failed", "bot_id", id, "error", err)
		}
		m.logger.Info("bot joined fleet", "bot_id", id, "provenance", candidates[id])
	}
	return nil
}

// Tracked returns the tracked records sorted by bot id.
func (m *Manager) Tracked() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// IsTracked reports whether botID is currently part of the fleet.
func (m *Manager) IsTracked(botID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[botID]
	return ok
}

// Exclude removes botID from reconciliation until Release is called.
func (m *Manager) Exclude(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.excluded[botID]; !ok {
		m.excluded[botID] = m.clock.Now()
	}
}

// Release clears the exclusion flag. It reports whether one was set.
func (m *Manager) Release(botID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.excluded[botID]
	delete(m.excluded, botID)
	return ok
}

// IsExcluded reports whether botID is excluded from reconciliation.
func (m *Manager) IsExcluded(botID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.excluded[botID]
	return ok
}

// Excluded returns the excluded bot ids, sorted.
func (m *Manager) Excluded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.excluded))
	for id := range m.excluded {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PurgeTelemetry drops everything known about botID's telemetry.
func (m *Manager) PurgeTelemetry(botID string) {
	m.telemetry.Purge(botID)
}

func (m *Manager) requireTracked(botID string) error {
	if !m.IsTracked(botID) {
		return fmt.Errorf("%s: %w", botID, ErrBotNotFound)
	}
	return nil
}

// Start asks botID to start. Success means the command was handed to the
// broker, not that the bot acted on it.
func (m *Manager) Start(botID string, opts StartOptions) error {
	if err := m.requireTracked(botID); err != nil {
		return err
	}
	return m.transport.Publish(botID, "start", opts)
}

// Stop asks botID to stop. Excluded bots are accepted so a shutdown that
// already removed the bot from the fleet can still address it.
func (m *Manager) Stop(botID string, opts StopOptions) error {
	if !m.IsTracked(botID) && !m.IsExcluded(botID) {
		return fmt.Errorf("%s: %w", botID, ErrBotNotFound)
	}
	return m.transport.Publish(botID, "stop", opts)
}

// Configure sends a parameter update to botID.
func (m *Manager) Configure(botID string, params map[string]any) error {
	if err := m.requireTracked(botID); err != nil {
		return err
	}
	return m.transport.Publish(botID, "config", map[string]any{"params": params})
}

// ImportStrategy tells botID to load the named strategy.
func (m *Manager) ImportStrategy(botID, strategy string) error {
	if err := m.requireTracked(botID); err != nil {
		return err
	}
	return m.transport.Publish(botID, "import_strategy", map[string]any{"strategy": strategy})
}

// History requests botID's trade history and waits for the reply. A reply
// that does not arrive in time yields a "timeout" result, not an error.
func (m *Manager) History(ctx context.Context, botID string, opts HistoryOptions) (HistoryResult, error) {
	if err := m.requireTracked(botID); err != nil {
		return HistoryResult{}, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.HistoryTimeout
	}
	reply, err := m.transport.Call(ctx, botID, "history", opts, timeout)
	if errors.Is(err, broker.ErrTimeout) {
		return HistoryResult{Status: "timeout"}, nil
	}
	if err != nil {
		return HistoryResult{}, err
	}
	return HistoryResult{Status: "success", Response: reply}, nil
}

// Status derives botID's status from exclusion, tracking, performance and
// liveness, in that order.
func (m *Manager) Status(botID string) Status {
	m.mu.RLock()
	_, excluded := m.excluded[botID]
	_, tracked := m.records[botID]
	m.mu.RUnlock()

	switch {
	case excluded:
		return StatusStopping
	case !tracked:
		return StatusNotFound
	}

	hasPerf := m.telemetry.HasPerformance(botID)
	live := m.telemetry.IsLive(botID, m.cfg.LivenessWindow)
	switch {
	case hasPerf && live:
		return StatusRunning
	case hasPerf:
		return StatusIdle
	default:
		return StatusStopped
	}
}

// Detail returns botID's status with evaluated performance and logs.
func (m *Manager) Detail(botID string) (BotDetail, error) {
	status := m.Status(botID)
	if status == StatusNotFound {
		return BotDetail{}, fmt.Errorf("%s: %w", botID, ErrBotNotFound)
	}

	d := BotDetail{
		BotStatus:   BotStatus{BotID: botID, Status: status, Provenance: FromSaga},
		Performance: telemetry.EvaluatePerformance(m.telemetry.Performance(botID)),
		ErrorLogs:   m.telemetry.ErrorLogs(botID),
		GeneralLogs: m.telemetry.GeneralLogs(botID),
	}
	m.mu.RLock()
	if rec, ok := m.records[botID]; ok {
		d.Provenance = rec.Provenance
	}
	m.mu.RUnlock()
	return d, nil
}

// FleetStatus returns the status of every tracked bot, followed by every
// excluded bot reported as stopping.
func (m *Manager) FleetStatus() []BotStatus {
	records := m.Tracked()
	excluded := m.Excluded()

	out := make([]BotStatus, 0, len(records)+len(excluded))
	for _, r := range records {
		out = append(out, BotStatus{BotID: r.BotID, Status: m.Status(r.BotID), Provenance: r.Provenance})
	}
	for _, id := range excluded {
		if m.IsTracked(id) {
			continue
		}
		out = append(out, BotStatus{BotID: id, Status: StatusStopping, Provenance: FromSaga})
	}
	return out
}

// Broker summarises the broker-side view of the fleet.
func (m *Manager) Broker() BrokerView {
	var tracked []string
	for _, r := range m.Tracked() {
		tracked = append(tracked, r.BotID)
	}
	return BrokerView{
		Connected:      m.transport.Connected(),
		DiscoveredBots: m.telemetry.ActiveBots(m.cfg.LivenessWindow),
		TrackedBots:    tracked,
		ExcludedBots:   m.Excluded(),
		CheckedAt:      m.clock.Now(),
	}
}
