package pubsub

import (
	"strings"

	"github.com/yndnr/rnode-go/internal/core/domain"
)

// Match reports whether topic matches pattern. "+" matches exactly one level
// and a trailing "#" matches any number of remaining levels, including none.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pl := strings.Split(pattern, "/")
	tl := strings.Split(topic, "/")
	for i, p := range pl {
		if p == "#" {
			return i == len(pl)-1
		}
		if i >= len(tl) {
			return false
		}
		if p != "+" && p != tl[i] {
			return false
		}
	}
	return len(pl) == len(tl)
}

// ValidatePattern checks a subscription pattern.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return domain.ErrInvalidArgument.WithDetails("empty topic")
	}
	levels := strings.Split(pattern, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return domain.ErrInvalidArgument.WithDetailsf("topic %q: '#' must be last", pattern)
		case l != "+" && l != "#" && strings.ContainsAny(l, "+#"):
			return domain.ErrInvalidArgument.WithDetailsf("topic %q: wildcard must fill a level", pattern)
		}
	}
	return nil
}

// ValidateTopic checks a publish topic, which may not contain wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return domain.ErrInvalidArgument.WithDetails("empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return domain.ErrInvalidArgument.WithDetailsf("topic %q: wildcards not allowed in publish", topic)
	}
	return nil
}
