package pubsub

import (
	"fmt"
	"strings"
)

// MQTT topic syntax.
const (
	topicSeparator      = "/"
	singleLevelWildcard = "+"
	multiLevelWildcard  = "#"
	maxTopicLength      = 65535
	wildcardCharacters  = singleLevelWildcard + multiLevelWildcard
)

// MatchTopic reports whether a subscription filter matches a concrete topic.
//
// Filters use MQTT wildcard syntax:
//   - + matches exactly one level: "a/+/c" matches "a/b/c" but not "a/b/x/c"
//   - # matches the remaining levels, including none: "a/#" matches "a" and "a/b/c"
//
// Non-wildcard levels compare byte for byte. There is no case folding.
//
// Example:
//
//	MatchTopic("sensors/+/temp", "sensors/42/temp") // true
//	MatchTopic("a/b", "a/b/c")                      // false
func MatchTopic(filter, topic string) bool {
	filterLevels := strings.Split(filter, topicSeparator)
	topicLevels := strings.Split(topic, topicSeparator)

	for i, level := range filterLevels {
		if level == multiLevelWildcard {
			return len(topicLevels) >= i
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != singleLevelWildcard && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// ValidateFilter checks that a subscription filter is well formed.
//
// Rules:
//   - Must not be empty or exceed 65535 bytes
//   - # may only appear as the whole final level
//   - + must occupy a whole level
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: filter cannot be empty", ErrInvalidTopic)
	}
	if len(filter) > maxTopicLength {
		return fmt.Errorf("%w: filter exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}

	levels := strings.Split(filter, topicSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevelWildcard:
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q: # must be the last level", ErrInvalidTopic, filter)
			}
		case level == singleLevelWildcard:
		case strings.ContainsAny(level, wildcardCharacters):
			return fmt.Errorf("%w: %q: wildcards must occupy a whole level", ErrInvalidTopic, filter)
		}
	}

	return nil
}

// ValidateTopic checks that a publish topic is concrete (no wildcards).
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsAny(topic, wildcardCharacters) {
		return fmt.Errorf("%w: %q: wildcards are not allowed when publishing", ErrInvalidTopic, topic)
	}
	return nil
}
