// Package topic implements MQTT topic name/filter validation and the
// level-aware matching rules between a filter (which may contain the
// "+" and "#" wildcards) and a concrete published topic name.
//
// spec.md flags a regex-based matcher as an anti-pattern (§9): regex
// cannot cheaply express the "$-prefixed topics are excluded from a
// top-level wildcard" rule without lookahead tricks, and it re-parses
// the filter on every publish instead of once at subscribe time. This
// package instead splits both sides into levels and walks them, and
// the sibling Matcher type (trie.go) compiles many filters once so a
// publish only walks the tree a single time regardless of subscriber
// count.
package topic

import (
	"strings"
	"unicode/utf8"

	"github.com/fenwick/mqttbroker/pkg/er"
)

const (
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	levelSeparator      = "/"
)

// Levels splits a topic name or filter into its '/'-delimited levels.
// An empty string yields a single empty level, matching MQTT's
// definition of the topic "" as one zero-length level.
func Levels(s string) []string {
	return strings.Split(s, levelSeparator)
}

// IsSystemTopic reports whether a topic name or filter's first level
// begins with "$" (e.g. "$SYS/broker/uptime"). Per the MQTT spec, a
// subscription filter starting with a top-level wildcard ("+" or "#")
// never matches a system topic; only an explicit "$"-prefixed filter
// reaches it.
func IsSystemTopic(s string) bool {
	return strings.HasPrefix(s, "$")
}

// ValidateName validates a concrete publish topic name: non-empty, no
// wildcards, valid UTF-8, no null/control characters. Empty levels
// (as in "a//b" or "a/") are accepted.
func ValidateName(name string) error {
	if name == "" {
		return &er.Err{Context: "topic.ValidateName", Message: er.ErrEmptyTopic}
	}
	if !utf8.ValidString(name) {
		return &er.Err{Context: "topic.ValidateName", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range name {
		if r == 0 {
			return &er.Err{Context: "topic.ValidateName", Message: er.ErrNullCharacterInTopic}
		}
		if isControlRune(r) {
			return &er.Err{Context: "topic.ValidateName", Message: er.ErrControlCharacterInTopic}
		}
	}
	if strings.ContainsAny(name, singleLevelWildcard+multiLevelWildcard) {
		return &er.Err{Context: "topic.ValidateName", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	return nil
}

// ValidateFilter validates a subscription filter: valid UTF-8, no
// null/control characters, and wildcard placement rules ("+" must
// occupy a whole level, "#" must occupy a whole level and be last).
func ValidateFilter(filter string) error {
	if filter == "" {
		return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(filter) {
		return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrInvalidUTF8TopicFilter}
	}
	for _, r := range filter {
		if r == 0 {
			return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrNullCharacterInTopicFilter}
		}
		if isControlRune(r) {
			return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrControlCharacterInTopicFilter}
		}
	}

	levels := Levels(filter)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard:
			if i != len(levels)-1 {
				return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrMultiLevelWildcardNotLast}
			}
		case strings.Contains(level, multiLevelWildcard):
			return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrMultiLevelWildcardNotAlone}
		case level == singleLevelWildcard:
			// fine, occupies the whole level
		case strings.Contains(level, singleLevelWildcard):
			return &er.Err{Context: "topic.ValidateFilter", Message: er.ErrSingleLevelWildcardNotAlone}
		}
	}
	return nil
}

func isControlRune(r rune) bool {
	return (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F)
}

// Match reports whether topicName matches filter under MQTT 3.1.1
// wildcard semantics. It assumes both have already passed validation.
func Match(filter, topicName string) bool {
	if IsSystemTopic(topicName) && !IsSystemTopic(filter) {
		return false
	}

	filterLevels := Levels(filter)
	topicLevels := Levels(topicName)

	for i, fl := range filterLevels {
		if fl == multiLevelWildcard {
			return true // matches this level and every level after it
		}
		if i >= len(topicLevels) {
			return false
		}
		if fl == singleLevelWildcard {
			if topicLevels[i] == "" {
				return false // "+" does not match the empty level
			}
			continue
		}
		if fl != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
