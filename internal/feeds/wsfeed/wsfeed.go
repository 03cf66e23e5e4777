// Package wsfeed is a feeds.Driver that streams market data from a
// websocket gateway. Every frame replaces the feed's latest snapshot.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalambet/fleetctl/internal/feeds"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// Driver dials <gateway>/ws/<kind>?connector=..&trading_pair=..&interval=..
type Driver struct {
	gateway *url.URL
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// New returns a Driver for gatewayURL. http and https schemes are mapped
// to ws and wss.
func New(gatewayURL string) (*Driver, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	return &Driver{
		gateway: u,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  slog.Default(),
	}, nil
}

// StreamURL is the websocket URL a feed for key connects to.
func (d *Driver) StreamURL(key feeds.Key) string {
	u := *d.gateway
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + string(key.Kind)
	q := url.Values{}
	q.Set("connector", key.Connector)
	q.Set("trading_pair", key.Pair)
	if key.Interval != "" {
		q.Set("interval", key.Interval)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Driver) Open(ctx context.Context, key feeds.Key) (feeds.Feed, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.StreamURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", key, err)
	}
	f := &Feed{
		key:    key,
		conn:   conn,
		logger: d.logger.With("feed", key.String()),
		done:   make(chan struct{}),
	}
	go f.readPump()
	go f.pingPump()
	return f, nil
}

// Feed holds one websocket stream.
type Feed struct {
	key    feeds.Key
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.RWMutex
	latest feeds.Snapshot
	have   bool

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

func (f *Feed) Latest() (feeds.Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.latest, f.have
}

// Done is closed once the stream ends, whether the gateway dropped it or
// Dispose was called.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Dispose sends a close frame and tears the connection down.
func (f *Feed) Dispose() {
	f.once.Do(func() {
		close(f.done)
		f.writeMu.Lock()
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		f.writeMu.Unlock()
		f.conn.Close()
	})
}

func (f *Feed) readPump() {
	defer f.Dispose()

	f.conn.SetReadLimit(maxMessageSize)
	f.conn.SetReadDeadline(time.Now().Add(pongWait))
	f.conn.SetPongHandler(func(string) error {
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-f.done:
				default:
					f.logger.Warn("feed read failed", "error", err)
				}
			}
			return
		}
		f.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !json.Valid(message) {
			f.logger.Debug("dropping non-JSON frame", "bytes", len(message))
			continue
		}

		f.mu.Lock()
		f.latest = feeds.Snapshot{Key: f.key, Data: json.RawMessage(message), ReceivedAt: time.Now()}
		f.have = true
		f.mu.Unlock()
	}
}

func (f *Feed) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.writeMu.Lock()
			err := f.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			f.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
