package broker

import (
	"container/list"
	"sync"
	"time"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/fenwick/mqttbroker/pkg/er"
)

// FlowState is a step in a message's QoS handshake. The same small set
// of states serves both outbound PUBLISH (broker -> client, walking
// Queued -> WaitForPuback, or Queued -> WaitForPubrec -> WaitForPubcomp,
// then Finished) and
// the matching wait-state bookkeeping the dispatcher needs when acks
// arrive out of order or are retransmitted.
type FlowState int

const (
	QueuedQoS0 FlowState = iota
	QueuedQoS1
	QueuedQoS2
	WaitForPuback
	WaitForPubrec
	WaitForPubrel
	WaitForPubcomp
	Finished
)

// MsgContext is one outbound PUBLISH's QoS handshake state. It is the
// unit persisted by the Session Store and retransmitted with DUP=1 on
// reconnect.
type MsgContext struct {
	PacketID   uint16          `json:"packet_id"`
	Topic      string          `json:"topic"`
	Payload    []byte          `json:"payload"`
	QoS        packet.QoSLevel `json:"qos"`
	Retain     bool            `json:"retain"`
	DUP        bool            `json:"dup"`
	State      FlowState       `json:"state"`
	RetryCount int             `json:"retry_count"`
	LastSentAt time.Time       `json:"last_sent_at"`
}

type pendingInbound struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// InflightQueue is a connection's QoS bookkeeping in both directions:
// an ordered FIFO of MsgContexts the broker is sending to this client
// (outbound) and a small dedup table for QoS 2 PUBLISH packets this
// client is sending to the broker (inbound). It also owns the
// connection-local packet identifier space, since packet IDs for
// broker-originated messages must not collide with each other while
// any are still unacknowledged.
//
// Waiting for the next outbound context to send is a cond-var wait
// over the list rather than a fixed-interval ticker, modeled on
// novatif-surgemq's publishWorker, so a publish is picked up the
// moment it is enqueued. Retransmission is not driven from here:
// Dispatcher.RunRetries rescans the queue on a ticker whose period is
// the retransmit timeout, so a context can wait up to almost two
// timeouts before it is resent.
type InflightQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue *list.List // of *MsgContext, oldest first
	byID  map[uint16]*list.Element

	inbound map[uint16]*pendingInbound

	nextID uint16
	inUse  map[uint16]bool

	maxInflight int
	closed      bool
}

// DefaultMaxInflight bounds how many QoS>0 contexts a single
// connection may have outstanding before Enqueue starts reporting
// backpressure, distinct from outright packet-ID exhaustion.
const DefaultMaxInflight = 1024

// NewInflightQueue creates an empty queue with DefaultMaxInflight.
func NewInflightQueue() *InflightQueue {
	return NewInflightQueueWithLimit(DefaultMaxInflight)
}

// NewInflightQueueWithLimit creates an empty queue capped at maxInflight
// outstanding QoS>0 contexts (falling back to DefaultMaxInflight for a
// non-positive value), wired from config.Config's
// max_inflight_per_session knob by broker.New.
func NewInflightQueueWithLimit(maxInflight int) *InflightQueue {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	q := &InflightQueue{
		queue:       list.New(),
		byID:        make(map[uint16]*list.Element),
		inbound:     make(map[uint16]*pendingInbound),
		inUse:       make(map[uint16]bool),
		maxInflight: maxInflight,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// AllocateID returns the next free packet identifier, cycling through
// 1..65535 (0 is reserved) and skipping any ID already in use by a
// context still in flight. It returns ErrIDExhausted once every one of
// the 65535 IDs is outstanding — the connection must wait for acks
// before it can send anything else at QoS>0.
func (q *InflightQueue) AllocateID() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.allocateIDLocked()
}

func (q *InflightQueue) allocateIDLocked() (uint16, error) {
	if len(q.inUse) >= 65535 {
		return 0, &er.Err{Context: "InflightQueue.AllocateID", Message: er.ErrIDExhausted}
	}
	for {
		q.nextID++
		if q.nextID == 0 {
			q.nextID = 1 // wrap around, skipping the reserved 0 value
		}
		if !q.inUse[q.nextID] {
			q.inUse[q.nextID] = true
			return q.nextID, nil
		}
	}
}

// Enqueue appends ctx to the outbound FIFO. For QoS 0 it still
// traverses the queue (so send ordering relative to QoS>0 messages is
// preserved) but is never tracked by packet ID and is dropped from the
// queue as soon as it is sent. It reports a backpressure error
// (wrapping ErrIDExhausted) once maxInflight outstanding QoS>0
// contexts are already queued.
func (q *InflightQueue) Enqueue(ctx *MsgContext) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ctx.QoS != packet.QoSAtMostOnce {
		outstanding := 0
		for e := q.queue.Front(); e != nil; e = e.Next() {
			if e.Value.(*MsgContext).QoS != packet.QoSAtMostOnce {
				outstanding++
			}
		}
		if outstanding >= q.maxInflight {
			return &er.Err{Context: "InflightQueue.Enqueue", Message: er.ErrIDExhausted}
		}
		q.inUse[ctx.PacketID] = true
	}

	elem := q.queue.PushBack(ctx)
	if ctx.QoS != packet.QoSAtMostOnce {
		q.byID[ctx.PacketID] = elem
	}
	q.cond.Signal()
	return nil
}

// Rehydrate re-inserts a context loaded from persistent storage (DUP
// already set by the caller) without re-checking backpressure limits,
// since it was already accepted once before the broker restarted.
func (q *InflightQueue) Rehydrate(ctx *MsgContext) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inUse[ctx.PacketID] = true
	elem := q.queue.PushBack(ctx)
	q.byID[ctx.PacketID] = elem
	q.cond.Signal()
}

// Next blocks until a context is available to send or the queue is
// closed, then removes and returns it (QoS 0) or advances its state
// and leaves it in place (QoS>0, which stays queued until acked).
func (q *InflightQueue) Next() (*MsgContext, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for e := q.queue.Front(); e != nil; e = e.Next() {
			ctx := e.Value.(*MsgContext)
			if ctx.State == QueuedQoS0 {
				q.queue.Remove(e)
				return ctx, true
			}
			if ctx.State == QueuedQoS1 {
				ctx.State = WaitForPuback
				ctx.LastSentAt = time.Now()
				return ctx, true
			}
			if ctx.State == QueuedQoS2 {
				ctx.State = WaitForPubrec
				ctx.LastSentAt = time.Now()
				return ctx, true
			}
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Close unblocks any goroutine parked in Next.
func (q *InflightQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// HandlePuback completes a QoS 1 outbound context. It returns false if
// no context is waiting under packetID — either it was already acked,
// or this PUBACK is spurious (§7 protocol-violation territory, left to
// the dispatcher to decide whether that is fatal).
func (q *InflightQueue) HandlePuback(packetID uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byID[packetID]
	if !ok {
		return false
	}
	ctx := elem.Value.(*MsgContext)
	if ctx.State != WaitForPuback {
		return false
	}
	q.finishLocked(elem, packetID)
	return true
}

// HandlePubrec advances a QoS 2 outbound context from WaitForPubrec to
// WaitForPubcomp and returns it so the caller can send PUBREL. A PUBREC
// for a context already past this state is a retransmission from the
// client's own retry logic: re-send PUBREL for the same packet ID
// without re-running the rest of the handshake.
func (q *InflightQueue) HandlePubrec(packetID uint16) (*MsgContext, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byID[packetID]
	if !ok {
		return nil, false
	}
	ctx := elem.Value.(*MsgContext)
	if ctx.State == WaitForPubrec {
		ctx.State = WaitForPubcomp
	}
	if ctx.State != WaitForPubcomp {
		return nil, false
	}
	return ctx, true
}

// HandlePubcomp completes a QoS 2 outbound context.
func (q *InflightQueue) HandlePubcomp(packetID uint16) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byID[packetID]
	if !ok {
		return false
	}
	ctx := elem.Value.(*MsgContext)
	if ctx.State != WaitForPubcomp {
		return false
	}
	q.finishLocked(elem, packetID)
	return true
}

func (q *InflightQueue) finishLocked(elem *list.Element, packetID uint16) {
	q.queue.Remove(elem)
	delete(q.byID, packetID)
	delete(q.inUse, packetID)
}

// PendingRetries returns every outbound context whose wait has exceeded
// timeout, for the dispatcher's retransmit timer to resend with DUP=1.
// A context past maxRetries is left in place here; the caller checks
// MarkRetried and, once exhausted, removes it via RemoveExhausted.
func (q *InflightQueue) PendingRetries(timeout time.Duration) []*MsgContext {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due []*MsgContext
	for e := q.queue.Front(); e != nil; e = e.Next() {
		ctx := e.Value.(*MsgContext)
		if ctx.State == WaitForPuback || ctx.State == WaitForPubrec || ctx.State == WaitForPubcomp {
			if now.Sub(ctx.LastSentAt) >= timeout {
				due = append(due, ctx)
			}
		}
	}
	return due
}

// MarkRetried increments a context's retry count and DUP flag and
// resets its timer, or reports that it has exhausted maxRetries (in
// which case the caller drops the context via RemoveExhausted; the
// connection stays open).
func (q *InflightQueue) MarkRetried(packetID uint16, maxRetries int) (exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byID[packetID]
	if !ok {
		return false
	}
	ctx := elem.Value.(*MsgContext)
	if ctx.RetryCount >= maxRetries {
		return true
	}
	ctx.RetryCount++
	ctx.DUP = true
	ctx.LastSentAt = time.Now()
	return false
}

// RemoveExhausted drops a context that has exhausted its retry budget:
// it is removed from the queue, its packet ID is freed, and its state
// is left Finished on the returned copy for the caller to log or
// persist-delete, per spec.md §7/§8's "drop the context, log
// RetryExhausted" handling — this must not tear down the connection.
func (q *InflightQueue) RemoveExhausted(packetID uint16) (*MsgContext, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.byID[packetID]
	if !ok {
		return nil, false
	}
	ctx := elem.Value.(*MsgContext)
	ctx.State = Finished
	q.finishLocked(elem, packetID)
	return ctx, true
}

// Snapshot returns every outbound context currently tracked, for the
// Session Store to persist.
func (q *InflightQueue) Snapshot() []*MsgContext {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*MsgContext, 0, q.queue.Len())
	for e := q.queue.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*MsgContext))
	}
	return out
}

// ReceiveQoS2Publish records an inbound QoS 2 PUBLISH under packetID
// and reports whether it is a duplicate of one already being tracked
// (a retransmission with DUP=1 the client sent because its PUBREC
// never arrived). The stored payload is only handed to the Outbound
// Publisher once the matching PUBREL arrives, per the MQTT receiver
// rule that a QoS 2 message is delivered exactly once, not at PUBLISH
// time.
func (q *InflightQueue) ReceiveQoS2Publish(packetID uint16, topic string, payload []byte, retain bool) (duplicate bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.inbound[packetID]; exists {
		return true
	}
	q.inbound[packetID] = &pendingInbound{Topic: topic, Payload: payload, Retain: retain}
	return false
}

// ResolvePubrel consumes the inbound QoS 2 context for packetID,
// returning it for delivery to subscribers. If no context is being
// tracked (a PUBREL arrived for a PUBLISH the broker never saw, or
// arrived twice), ok is false; the caller still sends PUBCOMP per the
// MQTT spec's "always PUBCOMP" duplicate-handling rule.
func (q *InflightQueue) ResolvePubrel(packetID uint16) (topic string, payload []byte, retain bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, exists := q.inbound[packetID]
	if !exists {
		return "", nil, false, false
	}
	delete(q.inbound, packetID)
	return pending.Topic, pending.Payload, pending.Retain, true
}
