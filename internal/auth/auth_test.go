package auth

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	h "github.com/fenwick/mqttbroker/pkg/hash"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE users (username TEXT PRIMARY KEY, secret TEXT)`)
	require.NoError(t, err)

	hash, err := h.HashPasswd("correct-horse", 4)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (username, secret) VALUES (?, ?)`, "alice", hash)
	require.NoError(t, err)

	return New(db)
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Authenticate("alice", "correct-horse"))
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	store := openTestStore(t)
	require.Error(t, store.Authenticate("alice", "wrong-password"))
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	store := openTestStore(t)
	require.Error(t, store.Authenticate("bob", "anything"))
}
