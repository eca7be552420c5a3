package broker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCleanSessionAlwaysFresh(t *testing.T) {
	store := NewSessionStore(nil, 0)

	_, present := store.Open("client-1", true, nil, 30)
	require.False(t, present)

	sess, _ := store.Get("client-1")
	sess.DeliverOrQueue(OfflineMessage{Topic: "a/b"})

	_, present = store.Open("client-1", true, nil, 30)
	require.False(t, present)

	fresh, _ := store.Get("client-1")
	require.Empty(t, fresh.DrainOffline())
}

func TestOpenResumesLiveDurableSession(t *testing.T) {
	store := NewSessionStore(nil, 0)
	_, present := store.Open("client-1", false, nil, 30)
	require.False(t, present)

	_, present = store.Open("client-1", false, nil, 45)
	require.True(t, present)

	sess, _ := store.Get("client-1")
	require.Equal(t, uint16(45), sess.KeepAlive)
}

func TestCloseDropsCleanSessionEntirely(t *testing.T) {
	store := NewSessionStore(nil, 0)
	store.Open("client-1", true, nil, 30)
	store.Close("client-1")

	_, ok := store.Get("client-1")
	require.False(t, ok)
}

func TestCloseKeepsDurableSessionOutOfMemoryOnlyWithoutDB(t *testing.T) {
	store := NewSessionStore(nil, 0)
	store.Open("client-1", false, nil, 30)
	store.Close("client-1")

	// No db configured, so nothing persists the state; it is simply
	// gone from memory until a future Open starts fresh.
	_, ok := store.Get("client-1")
	require.False(t, ok)
}
