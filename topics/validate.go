// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest topic or filter accepted.
const MaxLength = 65535

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateTopicName checks if the topic name is valid for publishing (no wildcards).
func ValidateTopicName(topic string) error {
	if err := validateCommon(topic); err != nil {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, SingleLevel+MultiLevel) {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a subscription filter. Wildcards must occupy a whole
// level and '#' may only appear as the last level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return ErrInvalidTopicFilter
	}

	levels := Levels(filter)
	for i, level := range levels {
		switch {
		case level == MultiLevel:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == SingleLevel:
		case strings.ContainsAny(level, SingleLevel+MultiLevel):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" || len(s) > MaxLength {
		return errors.New("bad length")
	}
	if !utf8.ValidString(s) {
		return errors.New("invalid utf-8")
	}
	if strings.Contains(s, "\u0000") {
		return errors.New("null character")
	}
	return nil
}
