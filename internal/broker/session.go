package broker

import (
	"net"
	"sync"
	"time"

	"github.com/fenwick/mqttbroker/internal/packet"
)

// Will holds the CONNECT Will message fields, copied out of the
// packet layer so the broker core does not depend on packet.ConnectPacket
// beyond the moment CONNECT is parsed.
type Will struct {
	Topic   string
	Message []byte
	QoS     packet.QoSLevel
	Retain  bool
}

// OfflineMessage is a PUBLISH queued for a disconnected, durable
// (cleanSession=false) session, delivered once that client reconnects.
type OfflineMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
	Retain  bool
}

// Session is a client's broker-side state: identity, Will, the
// connection currently serving it (nil while offline), its inflight
// QoS state machine, and anything queued while it was offline.
type Session struct {
	ClientID     string
	CleanSession bool
	Will         *Will
	KeepAlive    uint16
	ConnectedAt  int64

	mu           sync.Mutex
	connectionID string
	conn         net.Conn
	Inflight     *InflightQueue
	offlineQueue []OfflineMessage
}

func newSession(clientID string, cleanSession bool, will *Will, keepAlive uint16, maxInflight int) *Session {
	return &Session{
		ClientID:     clientID,
		CleanSession: cleanSession,
		Will:         will,
		KeepAlive:    keepAlive,
		Inflight:     NewInflightQueueWithLimit(maxInflight),
	}
}

// Resume attaches a live connection to the session and atomically
// drains its offline queue, returning whatever was queued while it was
// disconnected. Binding and draining happen under one lock acquisition
// so a publish racing against reconnect can never observe the session
// as "online with an empty queue" before the queued messages have
// actually been handed to the caller for delivery (spec.md §8 "Session
// resumption": drain happens before any newly published message is
// enqueued to the resumed session).
func (s *Session) Resume(connectionID string, conn net.Conn) []OfflineMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionID = connectionID
	s.conn = conn
	s.ConnectedAt = time.Now().Unix()
	drained := s.offlineQueue
	s.offlineQueue = nil
	return drained
}

// Unbind detaches the connection if connectionID still matches the one
// currently bound — a session that was already displaced by a newer
// connection must not have the older connection's teardown clear it.
func (s *Session) Unbind(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectionID == connectionID {
		s.conn = nil
		s.connectionID = ""
	}
}

// Conn returns the connection currently bound to the session, or nil
// if it is offline.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// ConnectionID returns the opaque id of the connection currently bound,
// or "" if offline.
func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// IsOnline reports whether a connection is currently bound.
func (s *Session) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Enqueue appends a message to the offline queue. Used directly only
// by the Session Store when persisting/rehydrating; live delivery goes
// through DeliverOrQueue so the online check and the enqueue happen
// under the same lock.
func (s *Session) Enqueue(msg OfflineMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offlineQueue = append(s.offlineQueue, msg)
}

// DeliverOrQueue reports whether the session is currently online. If
// it is not, msg is appended to the offline queue, but only when the
// session is durable *and* msg carries QoS >= 1 — a QoS 0 publish to an
// offline client has no delivery guarantee to begin with and is simply
// dropped, per spec.md §4.F. Both checks happen in the same critical
// section as the online check, closing the race where a publish and a
// reconnect interleave.
func (s *Session) DeliverOrQueue(msg OfflineMessage) (online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return true
	}
	if !s.CleanSession && msg.QoS != packet.QoSAtMostOnce {
		s.offlineQueue = append(s.offlineQueue, msg)
	}
	return false
}

// DrainOffline removes and returns every queued offline message, in
// the order they were enqueued.
func (s *Session) DrainOffline() []OfflineMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.offlineQueue
	s.offlineQueue = nil
	return drained
}
