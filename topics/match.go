// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Separator splits topic levels.
const Separator = "/"

// Wildcards.
const (
	SingleLevel = "+"
	MultiLevel  = "#"
)

// TopicMatch checks if the topic matches the given filter.
//   - '+' matches exactly one level.
//   - '#' matches the parent level and any number of child levels; it must be last.
//
// The topic itself must not contain wildcards.
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	for i, fLevel := range filterLevels {
		if fLevel == MultiLevel {
			return true
		}
		if i >= len(topicLevels) {
			// "a/+" does not match "a"; only '#' can match a missing level.
			return false
		}
		if fLevel == SingleLevel {
			continue
		}
		if fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}

// Levels splits a topic or filter into its levels.
func Levels(s string) []string {
	return strings.Split(s, Separator)
}

// IsWildcard reports whether the filter contains a wildcard level.
func IsWildcard(filter string) bool {
	return strings.Contains(filter, SingleLevel) || strings.Contains(filter, MultiLevel)
}
