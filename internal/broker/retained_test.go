package broker

import (
	"testing"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/stretchr/testify/require"
)

func TestRetainedUpdateAndMatch(t *testing.T) {
	store := NewRetainedStore()
	store.Update("a/b", []byte("hello"), packet.QoSAtLeastOnce)

	matches := store.Matching("a/+")
	require.Len(t, matches, 1)
	require.Equal(t, "a/b", matches[0].Topic)
	require.Equal(t, 1, store.Count())
}

func TestRetainedEmptyPayloadClears(t *testing.T) {
	store := NewRetainedStore()
	store.Update("a/b", []byte("hello"), packet.QoSAtMostOnce)
	store.Update("a/b", nil, packet.QoSAtMostOnce)

	require.Empty(t, store.Matching("a/b"))
	require.Equal(t, 0, store.Count())
}

func TestRegistryDisplacesOlderConnection(t *testing.T) {
	registry := NewConnectionRegistry()
	first, displaced := registry.Register("client-1")
	require.Empty(t, displaced)

	second, displaced := registry.Register("client-1")
	require.Equal(t, first, displaced)
	require.True(t, registry.Owns("client-1", second))
	require.False(t, registry.Owns("client-1", first))
}

func TestRegistryUnregisterIgnoresStaleOwner(t *testing.T) {
	registry := NewConnectionRegistry()
	first, _ := registry.Register("client-1")
	second, _ := registry.Register("client-1")

	registry.Unregister(first) // stale, should not affect current owner
	require.True(t, registry.Owns("client-1", second))
}
