package broker

import (
	"sync"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/fenwick/mqttbroker/internal/topic"
)

// RetainedMessage is the last message published with Retain=true on a
// topic, held until a zero-payload retained PUBLISH clears it.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// RetainedStore is a plain topic -> RetainedMessage map rather than a
// second compiled topic.Matcher: retained lookups walk the small set
// of distinct topics that have ever been published with Retain=true,
// matching each against one subscribed filter at SUBSCRIBE time, which
// is the direction the existing matcher isn't built for (it matches
// many filters against one topic, not one filter against many topics).
type RetainedStore struct {
	mu   sync.RWMutex
	msgs map[string]*RetainedMessage
}

// NewRetainedStore creates an empty retained-message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{msgs: make(map[string]*RetainedMessage)}
}

// Update stores or clears a retained message for topicName. An empty
// payload clears any retained message previously held for that topic,
// per MQTT 3.1.1.
func (r *RetainedStore) Update(topicName string, payload []byte, qos packet.QoSLevel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(payload) == 0 {
		delete(r.msgs, topicName)
		return
	}
	r.msgs[topicName] = &RetainedMessage{Topic: topicName, Payload: payload, QoS: qos}
}

// Matching returns every retained message whose topic matches filter,
// for delivery right after a SUBACK grants that filter.
func (r *RetainedStore) Matching(filter string) []*RetainedMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*RetainedMessage
	for topicName, msg := range r.msgs {
		if topic.Match(filter, topicName) {
			out = append(out, msg)
		}
	}
	return out
}

// Count returns the number of distinct retained topics held.
func (r *RetainedStore) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}
