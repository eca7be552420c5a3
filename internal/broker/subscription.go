package broker

import (
	"strings"
	"sync"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/fenwick/mqttbroker/internal/topic"
)

// subscriptionEntry is one client's bookkeeping for a single filter:
// the granted QoS plus the monotonic order it was first subscribed in,
// used only to break ties in GetSubscription.
type subscriptionEntry struct {
	qos   packet.QoSLevel
	order uint64
}

// Subscription is a single (filter, grantedQoS) pair, returned by
// GetSubscription.
type Subscription struct {
	Filter string
	QoS    packet.QoSLevel
}

// SubscriptionTable maps topic filters to the clients subscribed to
// them. It compiles every filter once into a shared topic.Matcher
// instead of re-splitting filters on every PUBLISH, and resolves
// overlapping filters from the same client down to a single granted
// QoS per spec.md's "QoS downgrade" law: when two of a client's
// filters both match a topic, the client is delivered at most once,
// at the higher of the two granted QoS values.
type SubscriptionTable struct {
	mu       sync.RWMutex
	matcher  *topic.Matcher[packet.QoSLevel]
	byClient map[string]map[string]subscriptionEntry // clientID -> filter -> entry
	seq      uint64
}

// NewSubscriptionTable creates an empty subscription table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		matcher:  topic.NewMatcher[packet.QoSLevel](),
		byClient: make(map[string]map[string]subscriptionEntry),
	}
}

// Subscribe records clientID's subscription to filter at requestedQoS,
// capped to QoSExactlyOnce, and returns the granted QoS. Subscribing
// to a filter the client already holds updates the granted QoS in
// place, keeping its original insertion order for GetSubscription's
// tie-break rule.
func (t *SubscriptionTable) Subscribe(clientID, filter string, requestedQoS packet.QoSLevel) (packet.QoSLevel, error) {
	if err := topic.ValidateFilter(filter); err != nil {
		return 0, err
	}

	granted := requestedQoS
	if granted > packet.QoSExactlyOnce {
		granted = packet.QoSExactlyOnce
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.byClient[clientID] == nil {
		t.byClient[clientID] = make(map[string]subscriptionEntry)
	}
	order := t.seq
	if existing, ok := t.byClient[clientID][filter]; ok {
		order = existing.order
	} else {
		t.seq++
	}
	t.byClient[clientID][filter] = subscriptionEntry{qos: granted, order: order}
	t.matcher.Insert(filter, clientID, granted)

	return granted, nil
}

// Unsubscribe removes clientID's subscription to filter. It reports
// whether a subscription existed to remove.
func (t *SubscriptionTable) Unsubscribe(clientID, filter string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	filters, ok := t.byClient[clientID]
	if !ok {
		return false
	}
	if _, exists := filters[filter]; !exists {
		return false
	}

	delete(filters, filter)
	if len(filters) == 0 {
		delete(t.byClient, clientID)
	}
	t.matcher.Remove(filter, clientID)
	return true
}

// UnsubscribeAll removes every subscription clientID holds, used on
// disconnect for a clean-session client and on session deletion.
func (t *SubscriptionTable) UnsubscribeAll(clientID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	filters, ok := t.byClient[clientID]
	if !ok {
		return
	}
	list := make([]string, 0, len(filters))
	for f := range filters {
		list = append(list, f)
	}
	t.matcher.RemoveAll(list, clientID)
	delete(t.byClient, clientID)
}

// FindSubscribers returns every client subscribed to a filter matching
// topicName, each mapped to the single granted QoS that survives
// overlap resolution (the max of any overlapping filters).
func (t *SubscriptionTable) FindSubscribers(topicName string) map[string]packet.QoSLevel {
	return t.matcher.MatchReduce(topicName, func(old, next packet.QoSLevel) packet.QoSLevel {
		if next > old {
			return next
		}
		return old
	})
}

// GetSubscriptions returns a copy of clientID's filter -> grantedQoS map.
func (t *SubscriptionTable) GetSubscriptions(clientID string) map[string]packet.QoSLevel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	filters := t.byClient[clientID]
	out := make(map[string]packet.QoSLevel, len(filters))
	for f, e := range filters {
		out[f] = e.qos
	}
	return out
}

// GetSubscription returns the single subscription row that governs
// delivery of topicName to clientID: among clientID's filters that
// match topicName, the one with the highest granted QoS, ties broken
// by the longest non-wildcard prefix (the most specific filter), ties
// broken by insertion order (earliest subscribed wins). It reports
// false if none of clientID's filters match topicName.
func (t *SubscriptionTable) GetSubscription(topicName, clientID string) (Subscription, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	filters := t.byClient[clientID]
	var best Subscription
	var bestEntry subscriptionEntry
	var bestPrefix int
	found := false

	for filter, entry := range filters {
		if !topic.Match(filter, topicName) {
			continue
		}
		prefix := literalPrefixLen(filter)
		switch {
		case !found:
			found = true
		case entry.qos > bestEntry.qos:
		case entry.qos < bestEntry.qos:
			continue
		case prefix > bestPrefix:
		case prefix < bestPrefix:
			continue
		case entry.order < bestEntry.order:
		default:
			continue
		}
		best = Subscription{Filter: filter, QoS: entry.qos}
		bestEntry = entry
		bestPrefix = prefix
	}

	return best, found
}

// literalPrefixLen returns the number of characters in filter before
// its first wildcard level, or the whole filter's length if it holds
// no wildcard — used to rank filters by specificity.
func literalPrefixLen(filter string) int {
	if i := strings.IndexAny(filter, "+#"); i >= 0 {
		return i
	}
	return len(filter)
}

// Count returns the total number of (client, filter) subscription pairs.
func (t *SubscriptionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, filters := range t.byClient {
		n += len(filters)
	}
	return n
}
