package fleet

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/kalambet/fleetctl/internal/telemetry"
)

// ErrBotNotFound is returned for operations on a bot the fleet does not track.
var ErrBotNotFound = errors.New("bot not found")

// Provenance records which presence signal a bot was observed through.
type Provenance string

const (
	FromContainer Provenance = "container"
	FromChannel   Provenance = "channel"
	FromBoth      Provenance = "both"
	// FromSaga marks an excluded bot reported while a shutdown owns it.
	FromSaga Provenance = "saga"
)

// Status is the derived health of a bot.
type Status string

const (
	StatusRunning  Status = "running"
	StatusIdle     Status = "idle"
	StatusStopped  Status = "stopped"
	StatusStopping Status = "stopping"
	StatusNotFound Status = "not_found"
)

// Record is the authoritative entry for one tracked bot.
type Record struct {
	BotID      string     `json:"bot_id"`
	Provenance Provenance `json:"provenance"`
	FirstSeen  time.Time  `json:"first_seen"`
	LastSeen   time.Time  `json:"last_seen"`
}

// BotStatus is one row of the fleet view.
type BotStatus struct {
	BotID      string     `json:"bot_id"`
	Status     Status     `json:"status"`
	Provenance Provenance `json:"provenance,omitempty"`
}

// BotDetail is the per-bot status view with telemetry attached.
type BotDetail struct {
	BotStatus
	Performance map[string]telemetry.ControllerPerformance `json:"performance"`
	ErrorLogs   []telemetry.LogEntry                       `json:"error_logs"`
	GeneralLogs []telemetry.LogEntry                       `json:"general_logs"`
}

// StartOptions are passed to a bot's start command.
type StartOptions struct {
	LogLevel     string `json:"log_level,omitempty"`
	Script       string `json:"script,omitempty"`
	Conf         string `json:"conf,omitempty"`
	IsQuickstart bool   `json:"is_quickstart"`
	AsyncBackend bool   `json:"async_backend"`
}

// StopOptions are passed to a bot's stop command.
type StopOptions struct {
	SkipOrderCancellation bool `json:"skip_order_cancellation"`
	AsyncBackend          bool `json:"async_backend"`
}

// HistoryOptions select the trade history a bot reports.
type HistoryOptions struct {
	Days      float64       `json:"days"`
	Verbose   bool          `json:"verbose"`
	Precision *int          `json:"precision,omitempty"`
	Timeout   time.Duration `json:"-"`
}

// HistoryResult is the outcome of a history request.
type HistoryResult struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// BrokerView summarises what the control plane sees through the broker.
type BrokerView struct {
	Connected      bool      `json:"connected"`
	DiscoveredBots []string  `json:"discovered_bots"`
	TrackedBots    []string  `json:"tracked_bots"`
	ExcludedBots   []string  `json:"excluded_bots"`
	CheckedAt      time.Time `json:"checked_at"`
}
