package topic_test

import (
	"testing"

	"github.com/fenwick/mqttbroker/internal/topic"
	"github.com/stretchr/testify/require"
)

func TestMatchExact(t *testing.T) {
	require.True(t, topic.Match("a/b/c", "a/b/c"))
	require.False(t, topic.Match("a/b/c", "a/b/d"))
}

func TestMatchSingleLevelWildcard(t *testing.T) {
	require.True(t, topic.Match("a/+/c", "a/b/c"))
	require.False(t, topic.Match("a/+/c", "a/b/x/c"))
	require.False(t, topic.Match("a/+", "a/b/c"))
}

func TestMatchMultiLevelWildcard(t *testing.T) {
	require.True(t, topic.Match("a/#", "a/b/c"))
	require.True(t, topic.Match("a/#", "a"))
	require.False(t, topic.Match("a/#", "x/b/c"))
}

func TestMatchSystemTopicExcludedFromWildcard(t *testing.T) {
	require.False(t, topic.Match("#", "$SYS/broker/uptime"))
	require.False(t, topic.Match("+/broker/uptime", "$SYS/broker/uptime"))
	require.True(t, topic.Match("$SYS/broker/uptime", "$SYS/broker/uptime"))
	require.True(t, topic.Match("$SYS/#", "$SYS/broker/uptime"))
}

func TestValidateFilterWildcardPlacement(t *testing.T) {
	require.NoError(t, topic.ValidateFilter("a/+/c"))
	require.NoError(t, topic.ValidateFilter("a/b/#"))
	require.Error(t, topic.ValidateFilter("a/b#"))
	require.Error(t, topic.ValidateFilter("a/#/c"))
	require.Error(t, topic.ValidateFilter("a+/b"))
}

func TestValidateNameRejectsWildcards(t *testing.T) {
	require.NoError(t, topic.ValidateName("a/b/c"))
	require.Error(t, topic.ValidateName("a/+/c"))
	require.Error(t, topic.ValidateName("a/#"))
	require.Error(t, topic.ValidateName(""))
}
