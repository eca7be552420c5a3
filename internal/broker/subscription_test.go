package broker

import (
	"testing"

	"github.com/fenwick/mqttbroker/internal/packet"
	"github.com/stretchr/testify/require"
)

func TestSubscribeGrantsCappedQoS(t *testing.T) {
	table := NewSubscriptionTable()
	granted, err := table.Subscribe("client-1", "a/b", packet.QoSExactlyOnce)
	require.NoError(t, err)
	require.Equal(t, packet.QoSExactlyOnce, granted)
}

func TestSubscribeRejectsInvalidFilter(t *testing.T) {
	table := NewSubscriptionTable()
	_, err := table.Subscribe("client-1", "a/#/b", packet.QoSAtMostOnce)
	require.Error(t, err)
}

func TestFindSubscribersAppliesMaxQoSOverlap(t *testing.T) {
	table := NewSubscriptionTable()
	_, err := table.Subscribe("client-1", "a/+", packet.QoSAtMostOnce)
	require.NoError(t, err)
	_, err = table.Subscribe("client-1", "a/#", packet.QoSExactlyOnce)
	require.NoError(t, err)

	subs := table.FindSubscribers("a/b")
	require.Equal(t, packet.QoSExactlyOnce, subs["client-1"])
}

func TestUnsubscribeRemovesFilter(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "a/b", packet.QoSAtLeastOnce)

	require.True(t, table.Unsubscribe("client-1", "a/b"))
	require.False(t, table.Unsubscribe("client-1", "a/b"))
	require.Empty(t, table.FindSubscribers("a/b"))
}

func TestUnsubscribeAllClearsClient(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "a/b", packet.QoSAtMostOnce)
	_, _ = table.Subscribe("client-1", "x/y", packet.QoSAtMostOnce)

	table.UnsubscribeAll("client-1")

	require.Empty(t, table.FindSubscribers("a/b"))
	require.Empty(t, table.FindSubscribers("x/y"))
	require.Equal(t, 0, table.Count())
}

func TestResubscribeUpdatesGrantedQoSInPlace(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "a/b", packet.QoSAtMostOnce)
	_, _ = table.Subscribe("client-1", "a/b", packet.QoSExactlyOnce)

	require.Equal(t, 1, table.Count())
	subs := table.FindSubscribers("a/b")
	require.Equal(t, packet.QoSExactlyOnce, subs["client-1"])
}

func TestGetSubscriptionPrefersHigherQoS(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "a/+", packet.QoSAtMostOnce)
	_, _ = table.Subscribe("client-1", "a/#", packet.QoSExactlyOnce)

	sub, ok := table.GetSubscription("a/b", "client-1")
	require.True(t, ok)
	require.Equal(t, "a/#", sub.Filter)
	require.Equal(t, packet.QoSExactlyOnce, sub.QoS)
}

func TestGetSubscriptionBreaksQoSTieByLongestPrefix(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "a/#", packet.QoSAtLeastOnce)
	_, _ = table.Subscribe("client-1", "a/b/#", packet.QoSAtLeastOnce)

	sub, ok := table.GetSubscription("a/b/c", "client-1")
	require.True(t, ok)
	require.Equal(t, "a/b/#", sub.Filter)
}

func TestGetSubscriptionReportsNoMatch(t *testing.T) {
	table := NewSubscriptionTable()
	_, _ = table.Subscribe("client-1", "x/y", packet.QoSAtMostOnce)

	_, ok := table.GetSubscription("a/b", "client-1")
	require.False(t, ok)
}
