package broker

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/fenwick/mqttbroker/internal/packet"
)

func openTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSaveAndLoadSessionRoundTrip(t *testing.T) {
	store := openTestSQLiteStore(t)

	sess := newSession("client-1", false, &Will{Topic: "a/b", Message: []byte("bye"), QoS: packet.QoSAtLeastOnce}, 60, 0)
	sess.Enqueue(OfflineMessage{Topic: "x/y", Payload: []byte("queued"), QoS: packet.QoSAtMostOnce})

	id, err := sess.Inflight.AllocateID()
	require.NoError(t, err)
	ctx := &MsgContext{PacketID: id, Topic: "a/b", QoS: packet.QoSAtLeastOnce, State: QueuedQoS1}
	require.NoError(t, sess.Inflight.Enqueue(ctx))

	store.SaveSession(sess)

	loaded := store.LoadSession("client-1", 0)
	require.NotNil(t, loaded)
	require.Equal(t, "a/b", loaded.Will.Topic)
	require.Equal(t, uint16(60), loaded.KeepAlive)

	drained := loaded.DrainOffline()
	require.Len(t, drained, 1)
	require.Equal(t, "x/y", drained[0].Topic)

	snapshot := loaded.Inflight.Snapshot()
	require.Len(t, snapshot, 1)
	require.True(t, snapshot[0].DUP) // resume rule: rehydrated contexts carry DUP=1
}

func TestLoadSessionReturnsNilWhenMissing(t *testing.T) {
	store := openTestSQLiteStore(t)
	require.Nil(t, store.LoadSession("nobody", 0))
}

func TestDeleteSessionRemovesInflightToo(t *testing.T) {
	store := openTestSQLiteStore(t)
	sess := newSession("client-1", false, nil, 30, 0)
	store.SaveSession(sess)
	store.SaveInflight("client-1", &MsgContext{PacketID: 1, Topic: "a/b"})

	store.DeleteSession("client-1")

	require.Nil(t, store.LoadSession("client-1", 0))
	var remaining int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM inflight WHERE client_id = ?`, "client-1").Scan(&remaining))
	require.Zero(t, remaining)
}
