package api

import (
	"context"
	"errors"
	"cmp"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/broker"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/feeds"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/saga"
	"github.com/kalambet/fleetctl/internal/storage"
)

// Fleet is the fleet manager as seen by the API.
type Fleet interface {
	FleetStatus() []fleet.BotStatus
	Detail(botID string) (fleet.BotDetail, error)
	Start(botID string, opts fleet.StartOptions) error
	Stop(botID string, opts fleet.StopOptions) error
	Configure(botID string, params map[string]any) error
	ImportStrategy(botID, strategy string) error
	History(ctx context.Context, botID string, opts fleet.HistoryOptions) (fleet.HistoryResult, error)
	Broker() fleet.BrokerView
}

type Sagas interface {
	Begin(req saga.Request) (saga.Ack, error)
	Release(name string) (bool, error)
	InFlight() []string
}

// Journal reads the saga journal and archive index.
type Journal interface {
	GetSaga(id string) (storage.Saga, error)
	ListSagas(limit int) ([]storage.Saga, error)
	SagaEvents(sagaID string) ([]storage.SagaEvent, error)
	ListArchives(botID string, limit int) ([]storage.Archive, error)
}

// Containers manages bot containers. Only names IsBot accepts are acted on.
type Containers interface {
	IsBot(name string) bool
	ListBots(ctx context.Context, all bool) ([]docker.Container, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string, force bool) error
	RemoveExited(ctx context.Context) ([]string, error)
}

type Feeds interface {
	Acquire(ctx context.Context, key feeds.Key) (feeds.Feed, error)
	Info() []feeds.FeedInfo
	Release(key feeds.Key) bool
}

// EventStats reports event forwarding counters.
type EventStats interface {
	Stats() (sent, dropped int64)
}

// Connection reports the broker session state.
type Connection interface {
	Status() broker.Status
}

type AppDeps struct {
	Fleet      Fleet
	Sagas      Sagas
	Journal    Journal
	Containers Containers
	Feeds      Feeds      // optional; market-data routes return 503 when nil
	Connection Connection // optional
	Events     EventStats // optional
	MCP        *server.MCPServer
	Token      string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requireToken(deps.Token))

		r.Get("/bots", handleFleetStatus(deps))
		r.Get("/bots/{id}/status", handleBotStatus(deps))
		r.Get("/bots/{id}/history", handleHistory(deps))
		r.Post("/bots/{id}/start", handleStart(deps))
		r.Post("/bots/{id}/stop", handleStop(deps))
		r.Post("/bots/{id}/config", handleConfigure(deps))
		r.Post("/bots/{id}/import-strategy", handleImportStrategy(deps))
		r.Post("/bots/{id}/stop-and-archive", handleStopAndArchive(deps))
		r.Post("/bots/{id}/release", handleRelease(deps))

		r.Get("/broker", handleBroker(deps))
		r.Get("/sagas", handleListSagas(deps))
		r.Get("/sagas/{id}", handleGetSaga(deps))
		r.Get("/archives", handleListArchives(deps))
		r.Get("/containers", handleContainers(deps))
		r.Post("/containers/clean-exited", handleCleanExited(deps))
		r.Post("/containers/{name}/start", handleContainerAction(deps, "start"))
		r.Post("/containers/{name}/stop", handleContainerAction(deps, "stop"))
		r.Post("/containers/{name}/remove", handleContainerAction(deps, "remove"))

		r.Get("/market-data/candles", handleMarketData(deps, feeds.KindCandles))
		r.Get("/market-data/order-book", handleMarketData(deps, feeds.KindOrderBook))
		r.Get("/market-data/feeds", handleListFeeds(deps))
		r.Delete("/market-data/feeds", handleReleaseFeed(deps))

		if deps.MCP != nil {
			r.Handle("/mcp", server.NewStreamableHTTPServer(deps.MCP))
		}
	})

	return r
}

func handleFleetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bots := deps.Fleet.FleetStatus()
		if bots == nil {
			bots = []fleet.BotStatus{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"bots": bots})
	}
}

func handleBotStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Fleet.Detail(chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func handleHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var opts fleet.HistoryOptions

		if s := q.Get("days"); s != "" {
			days, err := strconv.ParseFloat(s, 64)
			if err != nil || days < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid days %q", s)
				return
			}
			opts.Days = days
		}
		if s := q.Get("verbose"); s != "" {
			v, err := strconv.ParseBool(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid verbose %q", s)
				return
			}
			opts.Verbose = v
		}
		if s := q.Get("precision"); s != "" {
			p, err := strconv.Atoi(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid precision %q", s)
				return
			}
			opts.Precision = &p
		}
		if s := q.Get("timeout"); s != "" {
			secs, err := strconv.ParseFloat(s, 64)
			if err == nil {
				opts.Timeout, err = historyTimeout(secs)
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timeout %q: %v", s, err)
				return
			}
		}

		res, err := deps.Fleet.History(r.Context(), chi.URLParam(r, "id"), opts)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// commandResult renders the outcome of a fire-and-forget command.
func commandResult(w http.ResponseWriter, err error) {
	if err != nil {
		domainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func handleStart(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := fleet.StartOptions{LogLevel: "INFO", AsyncBackend: true}
		if err := decodeBody(w, r, &opts); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		commandResult(w, deps.Fleet.Start(chi.URLParam(r, "id"), opts))
	}
}

func handleStop(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := fleet.StopOptions{AsyncBackend: true}
		if err := decodeBody(w, r, &opts); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		commandResult(w, deps.Fleet.Stop(chi.URLParam(r, "id"), opts))
	}
}

func handleConfigure(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Params map[string]any `json:"params"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(body.Params) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "params is required")
			return
		}
		commandResult(w, deps.Fleet.Configure(chi.URLParam(r, "id"), body.Params))
	}
}

func handleImportStrategy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Strategy string `json:"strategy"`
		}
		if err := decodeBody(w, r, &body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Strategy == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "strategy is required")
			return
		}
		commandResult(w, deps.Fleet.ImportStrategy(chi.URLParam(r, "id"), body.Strategy))
	}
}

// StopAndArchiveRequest is the body of POST /bots/{id}/stop-and-archive.
// Unset flags default to true.
type StopAndArchiveRequest struct {
	SkipOrderCancellation *bool  `json:"skip_order_cancellation"`
	AsyncBackend          *bool  `json:"async_backend"`
	ArchiveLocally        *bool  `json:"archive_locally"`
	S3Bucket              string `json:"s3_bucket"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// sagaRequest converts the HTTP body into a saga request.
func (b StopAndArchiveRequest) sagaRequest(botID string) saga.Request {
	target := archive.TargetLocal
	if !boolOr(b.ArchiveLocally, true) {
		target = archive.TargetS3
	}
	return saga.Request{
		BotID:                 botID,
		SkipOrderCancellation: boolOr(b.SkipOrderCancellation, true),
		AsyncBackend:          boolOr(b.AsyncBackend, true),
		ArchiveTarget:         target,
		Bucket:                b.S3Bucket,
	}
}

func handleStopAndArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body StopAndArchiveRequest
		if err := decodeBody(w, r, &body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ack, err := deps.Sagas.Begin(body.sagaRequest(chi.URLParam(r, "id")))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ack)
	}
}

func handleRelease(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		released, err := deps.Sagas.Release(chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"released": released})
	}
}

func handleBroker(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"fleet": deps.Fleet.Broker()}
		if deps.Connection != nil {
			resp["connection"] = deps.Connection.Status()
		}
		if deps.Events != nil {
			sent, dropped := deps.Events.Stats()
			resp["events"] = map[string]int64{"sent": sent, "dropped": dropped}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListSagas(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		sagas, err := deps.Journal.ListSagas(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sagas: %v", err)
			return
		}
		if sagas == nil {
			sagas = []storage.Saga{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"sagas":     sagas,
			"in_flight": deps.Sagas.InFlight(),
		})
	}
}

func handleGetSaga(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s, err := deps.Journal.GetSaga(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "saga not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get saga: %v", err)
			return
		}
		events, err := deps.Journal.SagaEvents(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get saga events: %v", err)
			return
		}
		if events == nil {
			events = []storage.SagaEvent{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"saga": s, "events": events})
	}
}

func handleListArchives(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		archives, err := deps.Journal.ListArchives(r.URL.Query().Get("bot"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list archives: %v", err)
			return
		}
		if archives == nil {
			archives = []storage.Archive{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"archives": archives})
	}
}

func handleContainers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := true
		if s := r.URL.Query().Get("all"); s != "" {
			if v, err := strconv.ParseBool(s); err == nil {
				all = v
			}
		}
		list, err := deps.Containers.ListBots(r.Context(), all)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "listing containers: %v", err)
			return
		}
		if list == nil {
			list = []docker.Container{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"containers": list})
	}
}

// feedKey reads a feed key from the query. Candles default to a 1m
// interval; other kinds carry none.
func feedKey(r *http.Request, kind feeds.Kind) (feeds.Key, error) {
	q := r.URL.Query()
	key := feeds.Key{Kind: kind, Connector: q.Get("connector"), Pair: q.Get("pair")}
	if kind == feeds.KindCandles {
		key.Interval = q.Get("interval")
		if key.Interval == "" {
			key.Interval = "1m"
		}
	}
	if key.Connector == "" || key.Pair == "" {
		return key, errors.New("connector and pair are required")
	}
	return key, nil
}

func feedsConfigured(w http.ResponseWriter, deps AppDeps) bool {
	if deps.Feeds == nil {
		httpError(w, http.StatusServiceUnavailable, "unavailable", "market data gateway not configured")
		return false
	}
	return true
}

// containerError maps runtime failures: a missing container is a 404,
// anything else came from the daemon.
func containerError(w http.ResponseWriter, err error) {
	if errors.Is(err, docker.ErrContainerNotFound) {
		domainError(w, err)
		return
	}
	httpError(w, http.StatusBadGateway, "api_error", "%v", err)
}

func handleContainerAction(deps AppDeps, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !deps.Containers.IsBot(name) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%q is not a bot container", name)
			return
		}
		if slices.Contains(deps.Sagas.InFlight(), name) {
			httpError(w, http.StatusConflict, "conflict", "%s is being stopped and archived", name)
			return
		}

		var err error
		switch action {
		case "start":
			err = deps.Containers.Start(r.Context(), name)
		case "stop":
			err = deps.Containers.Stop(r.Context(), name)
		case "remove":
			force, perr := strconv.ParseBool(cmp.Or(r.URL.Query().Get("force"), "false"))
			if perr != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid force %q", r.URL.Query().Get("force"))
				return
			}
			err = deps.Containers.Remove(r.Context(), name, force)
		}
		if err != nil {
			containerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "container": name, "action": action})
	}
}

func handleCleanExited(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := deps.Containers.RemoveExited(r.Context())
		if removed == nil {
			removed = []string{}
		}
		resp := map[string]any{"removed": removed}
		if err != nil {
			resp["error"] = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMarketData(deps AppDeps, kind feeds.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !feedsConfigured(w, deps) {
			return
		}
		key, err := feedKey(r, kind)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		f, err := deps.Feeds.Acquire(r.Context(), key)
		if err != nil {
			if errors.Is(err, feeds.ErrUnknownKind) {
				domainError(w, err)
				return
			}
			httpError(w, http.StatusBadGateway, "api_error", "opening feed: %v", err)
			return
		}
		snap, ok := f.Latest()
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"key": key, "ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "ready": true, "snapshot": snap})
	}
}

func handleListFeeds(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !feedsConfigured(w, deps) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"feeds": deps.Feeds.Info()})
	}
}

func handleReleaseFeed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !feedsConfigured(w, deps) {
			return
		}
		kind := feeds.Kind(r.URL.Query().Get("kind"))
		if kind != feeds.KindCandles && kind != feeds.KindOrderBook {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "kind must be %q or %q", feeds.KindCandles, feeds.KindOrderBook)
			return
		}
		key, err := feedKey(r, kind)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if !deps.Feeds.Release(key) {
			httpError(w, http.StatusNotFound, "not_found", "feed %s is not open", key)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"released": key})
	}
}
