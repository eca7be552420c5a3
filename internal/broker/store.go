package broker

import "sync"

// SessionStore owns the broker's per-client sessions: creation on
// CONNECT (clean or resumed), teardown, and persistence of inflight
// state and the offline queue through an optional SQLiteStore so
// sessionPresent survives a full broker restart, not just a TCP
// reconnect.
type SessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	db          *SQLiteStore // nil disables persistence (tests, in-memory mode)
	maxInflight int          // per-session cap, threaded into every session's InflightQueue
}

// NewSessionStore creates a session store. db may be nil. maxInflight
// is config.Config's max_inflight_per_session knob (non-positive falls
// back to DefaultMaxInflight).
func NewSessionStore(db *SQLiteStore, maxInflight int) *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]*Session),
		db:          db,
		maxInflight: maxInflight,
	}
}

// Get returns the in-memory session for clientID, if any.
func (s *SessionStore) Get(clientID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[clientID]
	return sess, ok
}

// Open establishes the session for an incoming CONNECT. It returns the
// session to use for this connection and whether a prior session
// existed (for the CONNACK sessionPresent flag):
//   - cleanSession=true always starts fresh and wipes any prior state,
//     in memory and on disk.
//   - cleanSession=false reuses the in-memory session if one is still
//     live (closing an old connection still bound to it is left to the
//     caller), otherwise rehydrates from persistent storage, otherwise
//     starts fresh.
func (s *SessionStore) Open(clientID string, cleanSession bool, will *Will, keepAlive uint16) (sess *Session, sessionPresent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.sessions[clientID]

	if cleanSession {
		if s.db != nil {
			s.db.DeleteSession(clientID)
		}
		sess = newSession(clientID, true, will, keepAlive, s.maxInflight)
		s.sessions[clientID] = sess
		return sess, false
	}

	if exists {
		existing.CleanSession = false
		existing.Will = will
		existing.KeepAlive = keepAlive
		return existing, true
	}

	if s.db != nil {
		if rehydrated := s.db.LoadSession(clientID, s.maxInflight); rehydrated != nil {
			rehydrated.Will = will
			rehydrated.KeepAlive = keepAlive
			s.sessions[clientID] = rehydrated
			return rehydrated, true
		}
	}

	sess = newSession(clientID, false, will, keepAlive, s.maxInflight)
	s.sessions[clientID] = sess
	return sess, false
}

// Close tears down a session. When the session is cleanSession, it is
// removed outright (in memory and on disk); otherwise its current
// in-memory state (inflight contexts, offline queue) is persisted so a
// future Open can rehydrate it, and only the in-memory entry is dropped.
func (s *SessionStore) Close(clientID string) {
	s.mu.Lock()
	sess, ok := s.sessions[clientID]
	if !ok {
		s.mu.Unlock()
		return
	}

	if sess.CleanSession {
		delete(s.sessions, clientID)
		s.mu.Unlock()
		if s.db != nil {
			s.db.DeleteSession(clientID)
		}
		return
	}
	delete(s.sessions, clientID)
	s.mu.Unlock()

	if s.db != nil {
		s.db.SaveSession(sess)
	}
}

// PersistInflight writes one inflight context's current state to
// durable storage so it survives a broker restart. A no-op when no
// database is configured.
func (s *SessionStore) PersistInflight(clientID string, ctx *MsgContext) {
	if s.db == nil {
		return
	}
	s.db.SaveInflight(clientID, ctx)
}

// RemoveInflight deletes one persisted inflight context, called once
// its state machine reaches Finished.
func (s *SessionStore) RemoveInflight(clientID string, packetID uint16) {
	if s.db == nil {
		return
	}
	s.db.DeleteInflight(clientID, packetID)
}
