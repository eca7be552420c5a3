package broker

import (
	"database/sql"
	"time"

	"github.com/fenwick/mqttbroker/internal/logger"
	"github.com/fenwick/mqttbroker/internal/packet"
)

// DefaultRetransmitTimeout is how long an unacknowledged QoS>0 context
// waits before it is resent with DUP=1, matching spec.md §5's default.
const DefaultRetransmitTimeout = 10 * time.Second

// DefaultMaxRetries bounds how many times a context is retransmitted
// before it is dropped as exhausted per spec.md §7, matching spec.md
// §5's default.
const DefaultMaxRetries = 3

// Broker is the root of the broker core: it owns the subscription
// table, session store, retained-message store and connection registry,
// and wires them into a Publisher and Dispatcher that the transport
// layer drives per connection.
type Broker struct {
	Subscriptions *SubscriptionTable
	Sessions      *SessionStore
	Retained      *RetainedStore
	Registry      *ConnectionRegistry
	Publisher     *Publisher
	Dispatcher    *Dispatcher

	log *logger.Logger
}

// New creates a Broker with its own in-memory subscription table,
// retained store and connection registry. db is optional (nil disables
// session persistence across broker restarts) and, if present, must
// already be open — New runs the broker's own migration against it,
// independent of whatever tables the auth store manages on the same
// handle. A retransmitTimeout <= 0, maxRetries <= 0 or
// maxInflightPerSession <= 0 falls back to the package defaults.
func New(db *sql.DB, retransmitTimeout time.Duration, maxRetries int, maxInflightPerSession int) (*Broker, error) {
	var sqliteStore *SQLiteStore
	if db != nil {
		var err error
		sqliteStore, err = NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
	}

	if retransmitTimeout <= 0 {
		retransmitTimeout = DefaultRetransmitTimeout
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxInflightPerSession <= 0 {
		maxInflightPerSession = DefaultMaxInflight
	}

	subs := NewSubscriptionTable()
	sessions := NewSessionStore(sqliteStore, maxInflightPerSession)
	retained := NewRetainedStore()
	registry := NewConnectionRegistry()
	publisher := NewPublisher(subs, sessions, retained)
	dispatcher := NewDispatcher(subs, sessions, retained, registry, publisher, retransmitTimeout, maxRetries)

	return &Broker{
		Subscriptions: subs,
		Sessions:      sessions,
		Retained:      retained,
		Registry:      registry,
		Publisher:     publisher,
		Dispatcher:    dispatcher,
		log:           logger.NewMQTTLogger("broker"),
	}, nil
}

// Publish is the broker-originated publish entry point: code inside
// the broker process (a bridge, an admin command, a test) can inject a
// message exactly as if a client had published it, with no client
// connection and therefore no inbound QoS handshake to run first.
func (b *Broker) Publish(topicName string, payload []byte, qos packet.QoSLevel, retain bool) {
	b.Publisher.Publish(topicName, payload, qos, retain)
}

// SubscriptionCount returns the total number of (client, filter) pairs
// currently registered, for diagnostics.
func (b *Broker) SubscriptionCount() int {
	return b.Subscriptions.Count()
}

// RetainedCount returns the number of distinct retained topics held.
func (b *Broker) RetainedCount() int {
	return b.Retained.Count()
}
