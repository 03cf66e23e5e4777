package broker

import (
	"encoding/json"
	"strings"

	"github.com/kalambet/fleetctl/internal/telemetry"
)

// dispatch routes one inbound message. It runs on the session's delivery
// goroutine and must not block.
func (c *Client) dispatch(topic string, payload []byte) {
	if strings.HasPrefix(topic, c.opts.ReplyNamespace+"/") {
		c.resolve(topic, payload)
		return
	}

	parts := strings.SplitN(topic, "/", 3)
	if len(parts) < 3 || parts[0] != c.opts.Namespace || parts[1] == "" {
		c.logger.Debug("ignoring message outside namespace", "topic", topic)
		return
	}
	msg := Message{Topic: topic, BotID: parts[1], Channel: parts[2], Payload: payload}

	c.sink.Touch(msg.BotID)
	c.route(msg)

	c.mu.Lock()
	handlers := append([]customHandler(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		if MatchTopic(h.pattern, topic) {
			h.fn(msg)
		}
	}
}

func (c *Client) route(msg Message) {
	switch ch := msg.Channel; {
	case ch == "log":
		c.sink.AppendLog(msg.BotID, telemetry.ParseLog(msg.Payload, c.clock.Now()))
	case ch == "performance":
		var byController map[string]json.RawMessage
		if err := json.Unmarshal(msg.Payload, &byController); err != nil {
			c.logger.Debug("ignoring malformed performance update", "bot_id", msg.BotID, "error", err)
			return
		}
		c.sink.SetPerformance(msg.BotID, byController)
	case ch == "hb":
		// presence only
	case ch == "notify", ch == "status_updates", ch == "events", strings.HasPrefix(ch, "external/event/"):
		c.logger.Debug("bot event", "bot_id", msg.BotID, "channel", ch)
	case strings.HasPrefix(ch, "response/"), commandChannels[ch]:
		c.logger.Debug("command channel traffic", "bot_id", msg.BotID, "channel", ch)
	default:
		c.logger.Info("unknown channel", "bot_id", msg.BotID, "channel", ch)
	}
}

func (c *Client) resolve(topic string, payload []byte) {
	c.mu.Lock()
	slot, ok := c.pending[topic]
	if ok {
		delete(c.pending, topic)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("no pending call for reply", "topic", topic)
		return
	}
	slot <- normalizeReply(payload)
}
