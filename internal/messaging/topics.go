package messaging

import "github.com/bardlex/prefixminer/internal/report"

// DefaultEventTopic is the Kafka topic, and ZMQ topic prefix, for mining events
const DefaultEventTopic = "miner.events"

// EventTopic returns the ZMQ topic for kind under base, e.g.
// "miner.events.mined". Subscribing to base receives every kind.
func EventTopic(base string, kind report.Kind) string {
	if base == "" {
		base = DefaultEventTopic
	}
	return base + "." + string(kind)
}
