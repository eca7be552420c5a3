package broker

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/fenwick/mqttbroker/internal/logger"
	"github.com/fenwick/mqttbroker/internal/packet"
)

// SQLiteStore persists a durable session's Will, keep-alive, offline
// queue and inflight contexts through database/sql against the sqlite3
// driver the same way cmd/goqtt/main.go opens its auth database, so
// sessionPresent and in-flight QoS progress survive a broker restart,
// not just a TCP reconnect. Subscriptions are not persisted: they are
// held only by the in-memory SubscriptionTable.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLiteStore prepares the broker's persistence tables on db. db is
// expected to already be open (shared with the auth store).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db, log: logger.NewMQTTLogger("session_store")}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			client_id     TEXT PRIMARY KEY,
			clean_session INTEGER NOT NULL,
			will          TEXT,
			keep_alive    INTEGER NOT NULL,
			offline_queue TEXT
		);
		CREATE TABLE IF NOT EXISTS inflight (
			client_id TEXT NOT NULL,
			packet_id INTEGER NOT NULL,
			context   TEXT NOT NULL,
			PRIMARY KEY (client_id, packet_id)
		);
	`)
	return err
}

type persistedWill struct {
	Topic   string          `json:"topic"`
	Message []byte          `json:"message"`
	QoS     packet.QoSLevel `json:"qos"`
	Retain  bool            `json:"retain"`
}

// SaveSession writes a durable session's current state, including its
// offline queue, as a single row plus however many inflight rows its
// InflightQueue currently holds.
func (s *SQLiteStore) SaveSession(sess *Session) {
	var willJSON []byte
	if sess.Will != nil {
		willJSON, _ = json.Marshal(persistedWill{
			Topic:   sess.Will.Topic,
			Message: sess.Will.Message,
			QoS:     sess.Will.QoS,
			Retain:  sess.Will.Retain,
		})
	}

	queueJSON, err := json.Marshal(sess.DrainOffline())
	if err != nil {
		s.log.LogError(err, "failed to marshal offline queue", logger.ClientID(sess.ClientID))
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (client_id, clean_session, will, keep_alive, offline_queue)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			will = excluded.will, keep_alive = excluded.keep_alive, offline_queue = excluded.offline_queue
	`, sess.ClientID, string(willJSON), sess.KeepAlive, string(queueJSON))
	if err != nil {
		s.log.LogError(err, "failed to persist session", logger.ClientID(sess.ClientID))
		return
	}

	for _, ctx := range sess.Inflight.Snapshot() {
		s.SaveInflight(sess.ClientID, ctx)
	}
}

// LoadSession rehydrates a durable session, its offline queue and its
// inflight contexts (re-marked DUP per spec.md's resume rule). It
// returns nil if no row exists for clientID. maxInflight is threaded
// into the rehydrated session's InflightQueue the same as a fresh one.
func (s *SQLiteStore) LoadSession(clientID string, maxInflight int) *Session {
	var willJSON sql.NullString
	var keepAlive uint16
	var queueJSON sql.NullString

	row := s.db.QueryRow(`SELECT will, keep_alive, offline_queue FROM sessions WHERE client_id = ?`, clientID)
	if err := row.Scan(&willJSON, &keepAlive, &queueJSON); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.LogError(err, "failed to load session", logger.ClientID(clientID))
		}
		return nil
	}

	var will *Will
	if willJSON.Valid && willJSON.String != "" {
		var pw persistedWill
		if err := json.Unmarshal([]byte(willJSON.String), &pw); err == nil {
			will = &Will{Topic: pw.Topic, Message: pw.Message, QoS: pw.QoS, Retain: pw.Retain}
		}
	}

	sess := newSession(clientID, false, will, keepAlive, maxInflight)

	if queueJSON.Valid && queueJSON.String != "" {
		var queue []OfflineMessage
		if err := json.Unmarshal([]byte(queueJSON.String), &queue); err == nil {
			for _, m := range queue {
				sess.Enqueue(m)
			}
		}
	}

	rows, err := s.db.Query(`SELECT context FROM inflight WHERE client_id = ?`, clientID)
	if err != nil {
		s.log.LogError(err, "failed to load inflight contexts", logger.ClientID(clientID))
		return sess
	}
	defer rows.Close()

	for rows.Next() {
		var contextJSON string
		if err := rows.Scan(&contextJSON); err != nil {
			continue
		}
		var ctx MsgContext
		if err := json.Unmarshal([]byte(contextJSON), &ctx); err != nil {
			continue
		}
		ctx.DUP = true // spec.md resume rule: retransmitted contexts carry DUP=1
		sess.Inflight.Rehydrate(&ctx)
	}

	return sess
}

// SaveInflight upserts one inflight context's row.
func (s *SQLiteStore) SaveInflight(clientID string, ctx *MsgContext) {
	data, err := json.Marshal(ctx)
	if err != nil {
		s.log.LogError(err, "failed to marshal inflight context", logger.ClientID(clientID))
		return
	}
	_, err = s.db.Exec(`
		INSERT INTO inflight (client_id, packet_id, context) VALUES (?, ?, ?)
		ON CONFLICT(client_id, packet_id) DO UPDATE SET context = excluded.context
	`, clientID, ctx.PacketID, string(data))
	if err != nil {
		s.log.LogError(err, "failed to persist inflight context", logger.ClientID(clientID))
	}
}

// DeleteInflight removes one persisted inflight context.
func (s *SQLiteStore) DeleteInflight(clientID string, packetID uint16) {
	_, err := s.db.Exec(`DELETE FROM inflight WHERE client_id = ? AND packet_id = ?`, clientID, packetID)
	if err != nil {
		s.log.LogError(err, "failed to delete inflight context", logger.ClientID(clientID))
	}
}

// DeleteSession removes a session row and all of its inflight rows,
// used when a client connects with cleanSession=1.
func (s *SQLiteStore) DeleteSession(clientID string) {
	_, _ = s.db.Exec(`DELETE FROM sessions WHERE client_id = ?`, clientID)
	_, _ = s.db.Exec(`DELETE FROM inflight WHERE client_id = ?`, clientID)
}
