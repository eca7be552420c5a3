package broker

import (
	"log/slog"
	"net"
	"time"

	"github.com/fenwick/mqttbroker/internal/logger"
	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/fenwick/mqttbroker/pkg/er"
)

// Dispatcher is the per-connection event loop's collaborator: it never
// reads frames (the transport layer reads them and writes whatever
// bytes Handle returns), while RunOutbound and RunRetries write queued
// PUBLISH/PUBREL packets to the connection directly. It holds every
// piece of broker state a connection's packets can touch, so the
// transport's read loop stays a thin framing shell around calls into
// here.
type Dispatcher struct {
	subs      *SubscriptionTable
	sessions  *SessionStore
	retained  *RetainedStore
	registry  *ConnectionRegistry
	publisher *Publisher
	log       *logger.Logger

	retransmitTimeout time.Duration
	maxRetries        int
}

// NewDispatcher wires a Dispatcher to the broker-core collaborators
// built by broker.New.
func NewDispatcher(subs *SubscriptionTable, sessions *SessionStore, retained *RetainedStore, registry *ConnectionRegistry, publisher *Publisher, retransmitTimeout time.Duration, maxRetries int) *Dispatcher {
	return &Dispatcher{
		subs:              subs,
		sessions:          sessions,
		retained:          retained,
		registry:          registry,
		publisher:         publisher,
		log:               logger.NewMQTTLogger("dispatcher"),
		retransmitTimeout: retransmitTimeout,
		maxRetries:        maxRetries,
	}
}

// Connect establishes or resumes the session named by cp, registers a
// fresh opaque connectionId for conn, and returns the session together
// with the sessionPresent flag the caller encodes into CONNACK. If a
// previous connection for the same clientId is still bound, its socket
// is closed here, right after the new connection is bound, so the old
// connection's blocked read unblocks with an error and its own
// teardown path runs immediately instead of lingering until its next
// keep-alive timeout — the atomic-displacement requirement of spec.md
// §5 Cancellation.
func (d *Dispatcher) Connect(conn net.Conn, cp *packet.ConnectPacket) (sess *Session, sessionPresent bool, connectionID string, displacedConnectionID string) {
	var will *Will
	if cp.WillFlag && cp.WillTopic != nil && cp.WillMessage != nil {
		will = &Will{
			Topic:   *cp.WillTopic,
			Message: []byte(*cp.WillMessage),
			QoS:     packet.QoSLevel(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
	}

	// Read the bound connection before Open: for cleanSession=true, Open
	// replaces the in-memory session with a fresh one that has no conn.
	var previousConn net.Conn
	if old, ok := d.sessions.Get(cp.ClientID); ok {
		previousConn = old.Conn()
	}
	sess, sessionPresent = d.sessions.Open(cp.ClientID, cp.CleanSession, will, cp.KeepAlive)
	connectionID, displacedConnectionID = d.registry.Register(cp.ClientID)

	drained := sess.Resume(connectionID, conn)
	if previousConn != nil {
		previousConn.Close()
	}
	d.publisher.DrainOffline(sess, drained)

	d.log.LogClientConnection(cp.ClientID, conn.RemoteAddr().String(), "connect",
		slog.Bool("session_present", sessionPresent), slog.Bool("clean_session", cp.CleanSession))

	return sess, sessionPresent, connectionID, displacedConnectionID
}

// Owns reports whether connectionID is still the current connection
// for sess's clientId, for callers that need to decide whether their
// teardown still applies before touching connection-shared state (e.g.
// whether to close sess.Inflight, which outlives any single connection
// for a durable session).
func (d *Dispatcher) Owns(sess *Session, connectionID string) bool {
	return d.registry.Owns(sess.ClientID, connectionID)
}

// Disconnect tears down connectionID's binding to sess. graceful is
// true for a client-initiated DISCONNECT (which suppresses the Will
// per MQTT 3.1.1); any other teardown path (read error, keep-alive
// timeout, protocol violation) of a cleanSession=false session
// publishes the Will if one is registered. A connection that has
// already been displaced by a newer one returns without doing
// anything, so displacement never publishes a Will. A clean session is
// dropped outright; a durable session's state is persisted by
// SessionStore.Close.
func (d *Dispatcher) Disconnect(sess *Session, connectionID string, graceful bool) {
	if !d.registry.Owns(sess.ClientID, connectionID) {
		// Already displaced by a newer connection; that connection owns
		// teardown now.
		return
	}

	d.registry.Unregister(connectionID)
	sess.Unbind(connectionID)

	if !graceful && !sess.CleanSession && sess.Will != nil {
		d.publisher.Publish(sess.Will.Topic, sess.Will.Message, sess.Will.QoS, sess.Will.Retain)
	}

	if sess.CleanSession {
		d.subs.UnsubscribeAll(sess.ClientID)
	}
	d.sessions.Close(sess.ClientID)

	d.log.LogClientConnection(sess.ClientID, "", "disconnect",
		slog.Bool("graceful", graceful), slog.Bool("clean_session", sess.CleanSession))
}

// Response is one packet to write back to the connection that produced
// it, in the order the dispatcher built them.
type Response struct {
	Bytes []byte
}

// Handle interprets one parsed packet for sess and returns the bytes to
// write back (zero or more packets: e.g. PUBLISH at QoS 2 yields only
// a PUBREC, SUBSCRIBE yields only a SUBACK; retained deliveries for a
// SUBSCRIBE go onto the session's inflight queue instead).
// fatal is true when the connection must be closed after writing the
// responses (a protocol violation per spec.md §7).
func (d *Dispatcher) Handle(sess *Session, connectionID string, p *packet.ParsedPacket) (responses []Response, fatal bool) {
	if !d.registry.Owns(sess.ClientID, connectionID) {
		return nil, true
	}

	switch p.Type {
	case packet.PUBLISH:
		return d.handlePublish(sess, p.Publish), false

	case packet.PUBACK:
		if p.Puback == nil || !sess.Inflight.HandlePuback(p.Puback.PacketID) {
			d.log.LogError(&er.Err{Context: "Dispatcher.Handle", Message: er.ErrProtocolViolation}, "unexpected PUBACK", logger.ClientID(sess.ClientID))
		} else {
			d.sessions.RemoveInflight(sess.ClientID, p.Puback.PacketID)
		}
		return nil, false

	case packet.PUBREC:
		return d.handlePubrec(sess, p.Pubrec), false

	case packet.PUBREL:
		return d.handlePubrel(sess, p.Pubrel), false

	case packet.PUBCOMP:
		if p.Pubcomp == nil || !sess.Inflight.HandlePubcomp(p.Pubcomp.PacketID) {
			d.log.LogError(&er.Err{Context: "Dispatcher.Handle", Message: er.ErrProtocolViolation}, "unexpected PUBCOMP", logger.ClientID(sess.ClientID))
		} else {
			d.sessions.RemoveInflight(sess.ClientID, p.Pubcomp.PacketID)
		}
		return nil, false

	case packet.SUBSCRIBE:
		return d.handleSubscribe(sess, p.Subscribe), false

	case packet.UNSUBSCRIBE:
		return d.handleUnsubscribe(sess, p.Unsubscribe), false

	case packet.PINGREQ:
		return []Response{{Bytes: packet.CreatePingresp().Encode()}}, false

	case packet.DISCONNECT:
		return nil, false

	default:
		return nil, true
	}
}

func (d *Dispatcher) handlePublish(sess *Session, pp *packet.PublishPacket) []Response {
	if pp == nil {
		return nil
	}

	switch pp.QoS {
	case packet.QoSAtMostOnce:
		d.publisher.Publish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)
		return nil

	case packet.QoSAtLeastOnce:
		d.publisher.Publish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)
		if pp.PacketID == nil {
			return nil
		}
		return []Response{{Bytes: packet.NewPubAck(*pp.PacketID)}}

	case packet.QoSExactlyOnce:
		if pp.PacketID == nil {
			return nil
		}
		sess.Inflight.ReceiveQoS2Publish(*pp.PacketID, pp.Topic, pp.Payload, pp.Retain)
		return []Response{{Bytes: packet.NewPubRec(*pp.PacketID)}}
	}
	return nil
}

func (d *Dispatcher) handlePubrec(sess *Session, pr *packet.PubrecPacket) []Response {
	if pr == nil {
		return nil
	}
	ctx, ok := sess.Inflight.HandlePubrec(pr.PacketID)
	if !ok {
		return nil
	}
	// Persist the WaitForPubcomp transition so a broker crash between
	// PUBREC and PUBCOMP resumes by retransmitting PUBREL, not the
	// original PUBLISH, on the next LoadSession.
	d.sessions.PersistInflight(sess.ClientID, ctx)
	return []Response{{Bytes: packet.NewPubRel(pr.PacketID)}}
}

func (d *Dispatcher) handlePubrel(sess *Session, pr *packet.PubrelPacket) []Response {
	if pr == nil {
		return nil
	}
	topicName, payload, retain, ok := sess.Inflight.ResolvePubrel(pr.PacketID)
	if ok {
		d.publisher.Publish(topicName, payload, packet.QoSExactlyOnce, retain)
	}
	// PUBCOMP is always sent, even for an unknown packet id, per the
	// MQTT 3.1.1 duplicate-handling rule for QoS 2 receivers.
	return []Response{{Bytes: packet.NewPubComp(pr.PacketID)}}
}

func (d *Dispatcher) handleSubscribe(sess *Session, sp *packet.SubscribePacket) []Response {
	if sp == nil {
		return nil
	}

	returnCodes := make([]byte, len(sp.Filters))
	var retainedDeliveries []struct {
		filter string
		qos    packet.QoSLevel
	}

	for i, f := range sp.Filters {
		granted, err := d.subs.Subscribe(sess.ClientID, f.Topic, f.QoS)
		if err != nil {
			returnCodes[i] = packet.SubackFailure
			continue
		}
		switch granted {
		case packet.QoSAtMostOnce:
			returnCodes[i] = packet.SubackMaxQoS0
		case packet.QoSAtLeastOnce:
			returnCodes[i] = packet.SubackMaxQoS1
		case packet.QoSExactlyOnce:
			returnCodes[i] = packet.SubackMaxQoS2
		}
		retainedDeliveries = append(retainedDeliveries, struct {
			filter string
			qos    packet.QoSLevel
		}{f.Topic, granted})
		d.log.LogSubscription(sess.ClientID, f.Topic, int(granted), "subscribe")
	}

	suback := &packet.SubackPacket{PacketID: sp.PacketID, ReturnCodes: returnCodes}
	responses := []Response{{Bytes: suback.Encode()}}

	// Retained delivery happens synchronously here, before SUBACK's
	// bytes are handed back to the transport for writing, so it always
	// precedes any live PUBLISH the caller processes afterward.
	for _, rd := range retainedDeliveries {
		d.publisher.DeliverRetained(sess, rd.filter, rd.qos)
	}

	return responses
}

func (d *Dispatcher) handleUnsubscribe(sess *Session, up *packet.UnsubscribePacket) []Response {
	if up == nil {
		return nil
	}
	for _, filter := range up.TopicFilters {
		d.subs.Unsubscribe(sess.ClientID, filter)
		d.log.LogSubscription(sess.ClientID, filter, 0, "unsubscribe")
	}
	unsuback := &packet.UnsubackPacket{PacketID: up.PacketID}
	return []Response{{Bytes: unsuback.Encode()}}
}

// RunOutbound drains sess's inflight queue onto conn until the queue is
// closed (on disconnect), a write fails, or connectionID is displaced
// by a newer connection to the same clientId. It is started as its own
// goroutine per connection, the way novatif-surgemq's publishWorker is
// one per client rather than shared, so a slow subscriber never blocks
// delivery to any other client. The ownership check runs before every
// write because sess.Inflight is shared and kept bound to the session,
// not the connection: without it, a displaced connection's goroutine
// would keep draining the new connection's queue onto a stale socket
// (spec.md §5 "at most one live connection per session").
func (d *Dispatcher) RunOutbound(sess *Session, connectionID string, conn net.Conn) {
	for {
		ctx, ok := sess.Inflight.Next()
		if !ok {
			return
		}
		if !d.registry.Owns(sess.ClientID, connectionID) {
			return
		}
		if err := d.writeContext(conn, ctx); err != nil {
			d.log.LogError(err, "outbound write failed", logger.ClientID(sess.ClientID))
			return
		}
	}
}

func (d *Dispatcher) writeContext(conn net.Conn, ctx *MsgContext) error {
	pp := &packet.PublishPacket{
		DUP:     ctx.DUP,
		QoS:     ctx.QoS,
		Retain:  ctx.Retain,
		Topic:   ctx.Topic,
		Payload: ctx.Payload,
	}
	if ctx.QoS != packet.QoSAtMostOnce {
		id := ctx.PacketID
		pp.PacketID = &id
	}
	_, err := conn.Write(pp.Encode())
	return err
}

// RunRetries periodically rescans sess's inflight queue for contexts
// whose ack wait has exceeded the retransmit timeout and resends them
// with DUP=1, up to maxRetries. A context that exhausts its retry
// budget is dropped and logged per spec.md §7/§8's RetryExhausted
// handling; it does not close the connection, which may still be
// serving other in-flight messages or live traffic just fine. Like
// RunOutbound, it checks connectionID is still the current owner
// before every resend, so a displaced connection's retry loop stops
// touching the session the moment a newer connection takes over.
func (d *Dispatcher) RunRetries(sess *Session, connectionID string, conn net.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(d.retransmitTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !d.registry.Owns(sess.ClientID, connectionID) {
				return
			}
			due := sess.Inflight.PendingRetries(d.retransmitTimeout)
			for _, ctx := range due {
				if !d.registry.Owns(sess.ClientID, connectionID) {
					return
				}
				if sess.Inflight.MarkRetried(ctx.PacketID, d.maxRetries) {
					sess.Inflight.RemoveExhausted(ctx.PacketID)
					d.sessions.RemoveInflight(sess.ClientID, ctx.PacketID)
					d.log.LogError(&er.Err{Context: "Dispatcher.RunRetries", Message: er.ErrRetryExhausted}, "retry budget exhausted, dropping context", logger.ClientID(sess.ClientID))
					continue
				}
				var writeErr error
				if ctx.State == WaitForPubcomp {
					// Already past PUBREC: retry the PUBREL, not the
					// original PUBLISH, or the QoS 2 receiver would see
					// two different packets for the same packet id.
					_, writeErr = conn.Write(packet.NewPubRel(ctx.PacketID))
				} else {
					writeErr = d.writeContext(conn, ctx)
				}
				if writeErr != nil {
					return
				}
			}
		}
	}
}
