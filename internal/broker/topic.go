package broker

import "strings"

// Channels a bot publishes on under {ns}/{bot_id}/.
var telemetryChannels = []string{"log", "notify", "status_updates", "events", "hb", "performance"}

// Command channels echo requests; replies arrive on the reply namespace.
var commandChannels = map[string]bool{
	"history":         true,
	"start":           true,
	"stop":            true,
	"config":          true,
	"import_strategy": true,
}

func (c *Client) fixedTopics() []string {
	topics := make([]string, 0, len(telemetryChannels)+2)
	for _, ch := range telemetryChannels {
		topics = append(topics, c.opts.Namespace+"/+/"+ch)
	}
	topics = append(topics,
		c.opts.Namespace+"/+/external/event/+",
		c.opts.ReplyNamespace+"/+",
	)
	return topics
}

func (c *Client) botTopic(botID string) string {
	return c.opts.Namespace + "/" + botID + "/#"
}

func (c *Client) commandTopic(botID, command string) string {
	return c.opts.Namespace + "/" + botID + "/" + command
}

// MatchTopic reports whether topic matches an MQTT subscription pattern.
// "+" matches exactly one level and a trailing "#" matches any remainder,
// including none.
func MatchTopic(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
