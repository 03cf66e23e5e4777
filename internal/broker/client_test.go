package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/telemetry"
)

// --- fakes ---

type published struct {
	Topic   string
	Payload []byte
}

type fakeConn struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	published    []published
	publishErr   error
	closed       bool
}

func (f *fakeConn) Subscribe(_ byte, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topics...)
	return nil
}

func (f *fakeConn) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func (f *fakeConn) Publish(topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{Topic: topic, Payload: payload})
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) lastPublished(t *testing.T) published {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatal("nothing published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeConn) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// fakeDialer hands out fakeConns and keeps the callbacks of the latest
// session so tests can inject messages and connection loss.
type fakeDialer struct {
	mu        sync.Mutex
	conns     []*fakeConn
	onMessage MessageHandler
	onLost    func(error)
	failNext  int
}

func (d *fakeDialer) dial(_ context.Context, onMessage MessageHandler, onLost func(error)) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{}
	d.conns = append(d.conns, c)
	d.onMessage = onMessage
	d.onLost = onLost
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) latest() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) deliver(topic, payload string) {
	d.mu.Lock()
	h := d.onMessage
	d.mu.Unlock()
	h(topic, []byte(payload))
}

func (d *fakeDialer) lose() {
	d.mu.Lock()
	f := d.onLost
	d.mu.Unlock()
	f(errors.New("network down"))
}

// --- helpers ---

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type harness struct {
	client *Client
	dialer *fakeDialer
	store  *telemetry.Store
	clock  *clock.FakeClock
}

func startClient(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := telemetry.NewStore(telemetry.DefaultLogCapacity, clk)
	d := &fakeDialer{}
	c := New(Options{}, d.dial, store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, "connection", c.Connected)
	return &harness{client: c, dialer: d, store: store, clock: clk}
}

// --- tests ---

func TestPublishNotConnected(t *testing.T) {
	c := New(Options{}, (&fakeDialer{}).dial, telemetry.NewStore(0, nil), nil)
	err := c.Publish("bot-1", "stop", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish error = %v, want ErrNotConnected", err)
	}
}

func TestPublishEnvelope(t *testing.T) {
	h := startClient(t)

	if err := h.client.Publish("bot-1", "start", map[string]any{"log_level": "INFO"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	p := h.dialer.latest().lastPublished(t)
	if p.Topic != "hbot/bot-1/start" {
		t.Errorf("topic = %q, want hbot/bot-1/start", p.Topic)
	}
	var env struct {
		Header Header         `json:"header"`
		Data   map[string]any `json:"data"`
	}
	if err := json.Unmarshal(p.Payload, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if env.Header.Timestamp != epoch.UnixMilli() {
		t.Errorf("timestamp = %d, want %d", env.Header.Timestamp, epoch.UnixMilli())
	}
	if env.Header.NodeID != "backend-api" || env.Header.Agent != "backend-api" {
		t.Errorf("node/agent = %q/%q", env.Header.NodeID, env.Header.Agent)
	}
	if env.Header.Properties == nil {
		t.Error("properties missing")
	}
	if env.Data["log_level"] != "INFO" {
		t.Errorf("data = %v", env.Data)
	}
}

func TestPublishNilPayloadIsEmptyObject(t *testing.T) {
	h := startClient(t)
	if err := h.client.Publish("bot-1", "stop", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	p := h.dialer.latest().lastPublished(t)
	if !strings.Contains(string(p.Payload), `"data":{}`) {
		t.Errorf("payload = %s, want empty data object", p.Payload)
	}
}

func TestMsgIDIncreases(t *testing.T) {
	h := startClient(t)
	var ids []int64
	for i := 0; i < 3; i++ {
		if err := h.client.Publish("b", "stop", nil); err != nil {
			t.Fatal(err)
		}
		var env Envelope
		json.Unmarshal(h.dialer.latest().lastPublished(t).Payload, &env)
		ids = append(ids, env.Header.MsgID)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Errorf("msg ids = %v, want strictly increasing", ids)
	}
}

func replyTopicOf(t *testing.T, p published) string {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(p.Payload, &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	return env.Header.ReplyTo
}

func TestCallResolvesOnlyMatchingTopic(t *testing.T) {
	h := startClient(t)
	conn := h.dialer.latest()

	type result struct {
		body json.RawMessage
		err  error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		b, err := h.client.Call(context.Background(), "bot-1", "history", nil, time.Minute)
		first <- result{b, err}
	}()
	waitFor(t, "first call", func() bool { return h.client.PendingCalls() == 1 })
	replyA := replyTopicOf(t, conn.lastPublished(t))

	go func() {
		b, err := h.client.Call(context.Background(), "bot-1", "history", nil, time.Minute)
		second <- result{b, err}
	}()
	waitFor(t, "second call", func() bool { return h.client.PendingCalls() == 2 })
	replyB := replyTopicOf(t, conn.lastPublished(t))

	if replyA == replyB {
		t.Fatalf("reply topics collide: %q", replyA)
	}
	if !strings.HasPrefix(replyA, "backend-api/response/") {
		t.Errorf("reply topic = %q, want reply namespace prefix", replyA)
	}

	h.dialer.deliver(replyB, `{"data":{"trades":2}}`)

	select {
	case r := <-second:
		if r.err != nil {
			t.Fatalf("second call error: %v", r.err)
		}
		if string(r.body) != `{"data":{"trades":2}}` {
			t.Errorf("second body = %s", r.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second call not resolved")
	}

	select {
	case r := <-first:
		t.Fatalf("first call resolved by foreign reply: %+v", r)
	default:
	}
	if h.client.PendingCalls() != 1 {
		t.Errorf("PendingCalls = %d, want 1", h.client.PendingCalls())
	}
}

func TestCallTimeoutDropsLateReply(t *testing.T) {
	h := startClient(t)
	conn := h.dialer.latest()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.Call(context.Background(), "bot-1", "history", nil, 30*time.Second)
		errCh <- err
	}()
	waitFor(t, "call", func() bool { return h.client.PendingCalls() == 1 })
	reply := replyTopicOf(t, conn.lastPublished(t))

	h.clock.WaitForTimers(1)
	h.clock.Advance(30 * time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("Call error = %v, want ErrTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not time out")
	}
	if h.client.PendingCalls() != 0 {
		t.Errorf("PendingCalls = %d after timeout, want 0", h.client.PendingCalls())
	}

	// A late reply is discarded silently.
	h.dialer.deliver(reply, `{"late":true}`)
}

func TestCallNotConnected(t *testing.T) {
	c := New(Options{}, (&fakeDialer{}).dial, telemetry.NewStore(0, nil), nil)
	_, err := c.Call(context.Background(), "bot-1", "history", nil, time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call error = %v, want ErrNotConnected", err)
	}
	if c.PendingCalls() != 0 {
		t.Errorf("PendingCalls = %d, want 0", c.PendingCalls())
	}
}

func TestCloseResolvesPendingCalls(t *testing.T) {
	h := startClient(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.client.Call(context.Background(), "bot-1", "history", nil, time.Hour)
		errCh <- err
	}()
	waitFor(t, "call", func() bool { return h.client.PendingCalls() == 1 })

	h.client.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("Call error = %v, want ErrShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call not resolved by Close")
	}
	if _, err := h.client.Call(context.Background(), "bot-1", "history", nil, time.Second); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Call after Close = %v, want ErrShuttingDown", err)
	}
}

func TestDispatchRoutesTelemetry(t *testing.T) {
	h := startClient(t)

	h.dialer.deliver("hbot/bot-1/log", `{"level_name":"ERROR","msg":"order failed"}`)
	h.dialer.deliver("hbot/bot-1/log", `just text`)
	h.dialer.deliver("hbot/bot-1/performance", `{"ctrl":{"pnl":1.5}}`)
	h.dialer.deliver("hbot/bot-2/hb", `{}`)
	h.dialer.deliver("hbot/bot-3/something_new", `{}`)
	h.dialer.deliver("other/bot-4/hb", `{}`)

	if n := len(h.store.ErrorLogs("bot-1")); n != 1 {
		t.Errorf("error logs = %d, want 1", n)
	}
	if n := len(h.store.GeneralLogs("bot-1")); n != 1 {
		t.Errorf("general logs = %d, want 1", n)
	}
	if !h.store.HasPerformance("bot-1") {
		t.Error("performance not recorded")
	}
	for _, id := range []string{"bot-1", "bot-2", "bot-3"} {
		if _, ok := h.store.LastSeen(id); !ok {
			t.Errorf("%s presence not recorded", id)
		}
	}
	if _, ok := h.store.LastSeen("bot-4"); ok {
		t.Error("message outside namespace recorded presence")
	}
}

func TestCustomHandlers(t *testing.T) {
	h := startClient(t)

	var mu sync.Mutex
	var got []Message
	h.client.Handle("hbot/+/external/event/+", func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	h.dialer.deliver("hbot/bot-1/external/event/fill", `{"id":1}`)
	h.dialer.deliver("hbot/bot-1/events", `{}`)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if got[0].BotID != "bot-1" || got[0].Channel != "external/event/fill" {
		t.Errorf("message = %+v", got[0])
	}
}

func TestReconnectResubscribes(t *testing.T) {
	h := startClient(t)

	if err := h.client.SubscribeBot("bot-7"); err != nil {
		t.Fatalf("SubscribeBot: %v", err)
	}
	first := h.dialer.latest()

	h.dialer.lose()
	waitFor(t, "disconnect", func() bool { return !h.client.Connected() })
	if err := h.client.Publish("bot-7", "stop", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish while down = %v, want ErrNotConnected", err)
	}

	h.clock.WaitForTimers(1)
	h.clock.Advance(5 * time.Second)
	waitFor(t, "reconnect", func() bool { return h.dialer.dials() == 2 && h.client.Connected() })

	second := h.dialer.latest()
	if second == first {
		t.Fatal("expected a new session")
	}
	subs := second.subscriptions()
	want := map[string]bool{"hbot/+/log": false, "backend-api/response/+": false, "hbot/bot-7/#": false}
	for _, s := range subs {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for topic, seen := range want {
		if !seen {
			t.Errorf("subscription %q not re-issued; got %v", topic, subs)
		}
	}
}

func TestReconnectAfterDialFailure(t *testing.T) {
	clk := clock.NewFake(epoch)
	d := &fakeDialer{failNext: 2}
	c := New(Options{ReconnectInterval: time.Second}, d.dial, telemetry.NewStore(0, clk), clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
	}
	waitFor(t, "connection after retries", c.Connected)
}

func TestUnsubscribeBot(t *testing.T) {
	h := startClient(t)
	h.client.SubscribeBot("bot-1")
	if err := h.client.UnsubscribeBot("bot-1"); err != nil {
		t.Fatalf("UnsubscribeBot: %v", err)
	}
	conn := h.dialer.latest()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.unsubscribed) != 1 || conn.unsubscribed[0] != "hbot/bot-1/#" {
		t.Errorf("unsubscribed = %v", conn.unsubscribed)
	}
	for _, s := range h.client.Status().Subscriptions {
		if s == "hbot/bot-1/#" {
			t.Error("status still lists removed bot subscription")
		}
	}
}
