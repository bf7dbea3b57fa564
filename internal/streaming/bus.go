package streaming

import (
	"context"
	"encoding/json"
)

// Topics used by the publish/await assembly binding.
const (
	TopicResolveRequest  = "assembly.resolve.request"
	TopicResolveResponse = "assembly.resolve.response"
)

// Message is one payload published on a topic. Key correlates a response
// with the request that caused it.
type Message struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Filter specifies which messages a subscriber wants to receive.
type Filter struct {
	Topics []string `json:"topics,omitempty"`
	Key    string   `json:"key,omitempty"`
}

// Bus provides topic pub/sub. Subscribe returns once the subscription is
// active, so a message published after it returns is delivered.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Message, func(), error)
}

// Match reports whether msg passes the filter.
func (f Filter) Match(msg Message) bool {
	if f.Key != "" && f.Key != msg.Key {
		return false
	}
	if len(f.Topics) == 0 {
		return true
	}
	for _, t := range f.Topics {
		if t == msg.Topic {
			return true
		}
	}
	return false
}
