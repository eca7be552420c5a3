package broker

import (
	"github.com/fenwick/mqttbroker/internal/logger"
	"github.com/fenwick/mqttbroker/internal/packet"
)

// Publisher is the Outbound Publisher: it fans a PUBLISH out to every
// matching subscriber, applying the min(publishQoS, grantedQoS)
// fan-out rule, enqueues for offline durable sessions, and hands
// retained/resumed-offline messages into a session's inflight queue
// the same way a live publish would.
type Publisher struct {
	subs     *SubscriptionTable
	sessions *SessionStore
	retained *RetainedStore
	log      *logger.Logger
}

// NewPublisher wires the Outbound Publisher to its collaborators.
func NewPublisher(subs *SubscriptionTable, sessions *SessionStore, retained *RetainedStore) *Publisher {
	return &Publisher{
		subs:     subs,
		sessions: sessions,
		retained: retained,
		log:      logger.NewMQTTLogger("publisher"),
	}
}

// Publish delivers payload on topicName to every matching subscriber,
// and is also the entry point for a broker-originated publish (there
// is no client connection on the sending side, so no inbound QoS
// handshake runs before this is called).
func (p *Publisher) Publish(topicName string, payload []byte, qos packet.QoSLevel, retain bool) {
	if retain {
		p.retained.Update(topicName, payload, qos)
	}

	subscribers := p.subs.FindSubscribers(topicName)
	for clientID, grantedQoS := range subscribers {
		deliveryQoS := grantedQoS
		if qos < deliveryQoS {
			deliveryQoS = qos
		}
		p.deliverTo(clientID, topicName, payload, deliveryQoS, retain)
	}
}

func (p *Publisher) deliverTo(clientID, topicName string, payload []byte, qos packet.QoSLevel, retain bool) {
	sess, ok := p.sessions.Get(clientID)
	if !ok {
		return
	}

	online := sess.DeliverOrQueue(OfflineMessage{Topic: topicName, Payload: payload, QoS: qos, Retain: retain})
	if !online {
		return
	}
	p.send(sess, topicName, payload, qos, retain, false)
}

func (p *Publisher) send(sess *Session, topicName string, payload []byte, qos packet.QoSLevel, retain, dup bool) {
	ctx := &MsgContext{Topic: topicName, Payload: payload, QoS: qos, Retain: retain, DUP: dup}

	if qos == packet.QoSAtMostOnce {
		ctx.State = QueuedQoS0
	} else {
		id, err := sess.Inflight.AllocateID()
		if err != nil {
			p.log.LogError(err, "packet identifier space exhausted", logger.ClientID(sess.ClientID))
			return
		}
		ctx.PacketID = id
		if qos == packet.QoSAtLeastOnce {
			ctx.State = QueuedQoS1
		} else {
			ctx.State = QueuedQoS2
		}
	}

	if err := sess.Inflight.Enqueue(ctx); err != nil {
		p.log.LogError(err, "inflight queue rejected message", logger.ClientID(sess.ClientID))
		return
	}
	if qos != packet.QoSAtMostOnce {
		p.sessions.PersistInflight(sess.ClientID, ctx)
	}
}

// DeliverRetained sends every retained message matching filter to
// sess, applying the same min-QoS rule as a live publish. The
// dispatcher calls this synchronously while handling SUBSCRIBE, before
// returning the SUBACK, so retained delivery always precedes any live
// PUBLISH racing in on the same filter (spec.md §9(b)).
func (p *Publisher) DeliverRetained(sess *Session, filter string, grantedQoS packet.QoSLevel) {
	for _, msg := range p.retained.Matching(filter) {
		deliveryQoS := msg.QoS
		if grantedQoS < deliveryQoS {
			deliveryQoS = grantedQoS
		}
		p.send(sess, msg.Topic, msg.Payload, deliveryQoS, true, false)
	}
}

// DrainOffline enqueues a session's already-drained offline messages
// (from Session.Resume) into its inflight queue, in original order, so
// they are sent before any publish that arrives after reconnection.
func (p *Publisher) DrainOffline(sess *Session, drained []OfflineMessage) {
	for _, msg := range drained {
		p.send(sess, msg.Topic, msg.Payload, msg.QoS, msg.Retain, false)
	}
}
