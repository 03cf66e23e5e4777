package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kalambet/fleetctl/internal/broker"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/feeds"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/saga"
	"github.com/kalambet/fleetctl/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// maxHistoryTimeout caps how long a history request may wait on a bot.
const maxHistoryTimeout = 300 * time.Second

// historyTimeout converts a caller supplied number of seconds into a
// duration within (0, maxHistoryTimeout].
func historyTimeout(secs float64) (time.Duration, error) {
	if !(secs > 0) {
		return 0, errors.New("must be positive")
	}
	if secs > maxHistoryTimeout.Seconds() {
		return 0, fmt.Errorf("must not exceed %v", maxHistoryTimeout)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// domainError renders err with the status its sentinel maps to.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fleet.ErrBotNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, docker.ErrContainerNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, saga.ErrInProgress):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, broker.ErrNotConnected), errors.Is(err, broker.ErrShuttingDown):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	case errors.Is(err, feeds.ErrUnknownKind):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
