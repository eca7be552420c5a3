package topic_test

import (
	"testing"

	"github.com/fenwick/mqttbroker/internal/topic"
	"github.com/stretchr/testify/require"
)

func TestMatcherInsertAndMatch(t *testing.T) {
	m := topic.NewMatcher[int]()
	m.Insert("a/+/c", "client-1", 1)
	m.Insert("a/b/#", "client-2", 2)

	result := m.Match("a/b/c")
	require.Equal(t, 1, result["client-1"])
	require.Equal(t, 2, result["client-2"])
}

func TestMatcherRemove(t *testing.T) {
	m := topic.NewMatcher[int]()
	m.Insert("a/b", "client-1", 1)
	m.Remove("a/b", "client-1")

	result := m.Match("a/b")
	require.Empty(t, result)
}

func TestMatcherRemoveAll(t *testing.T) {
	m := topic.NewMatcher[int]()
	m.Insert("a/b", "client-1", 1)
	m.Insert("x/y", "client-1", 2)
	m.RemoveAll([]string{"a/b", "x/y"}, "client-1")

	require.Empty(t, m.Match("a/b"))
	require.Empty(t, m.Match("x/y"))
}

func TestMatcherReduceResolvesOverlap(t *testing.T) {
	m := topic.NewMatcher[int]()
	m.Insert("a/+", "client-1", 1)
	m.Insert("a/#", "client-1", 2)

	max := func(old, next int) int {
		if next > old {
			return next
		}
		return old
	}

	result := m.MatchReduce("a/b", max)
	require.Equal(t, 2, result["client-1"])
}

func TestMatcherReinsertOverwritesValue(t *testing.T) {
	m := topic.NewMatcher[int]()
	m.Insert("a/b", "client-1", 1)
	m.Insert("a/b", "client-1", 5)

	result := m.Match("a/b")
	require.Equal(t, 5, result["client-1"])
}
