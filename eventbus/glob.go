package eventbus

import (
	"fmt"
	"strings"
)

// ValidateGlob checks a subscription pattern. Valid patterns are the full
// wildcard "*" or a dotted name whose segments are literals or "*".
func ValidateGlob(glob string) error {
	if glob == "" {
		return fmt.Errorf("empty event name pattern")
	}
	if glob == "*" {
		return nil
	}
	for _, seg := range strings.Split(glob, ".") {
		if seg == "" {
			return fmt.Errorf("event name pattern %q has an empty segment", glob)
		}
		if strings.Contains(seg, "*") && seg != "*" {
			return fmt.Errorf("event name pattern %q: * must stand alone in a segment", glob)
		}
	}
	return nil
}

// MatchGlob reports whether an event name matches a subscription pattern.
// "*" as the whole pattern matches every name; within a dotted pattern each
// "*" segment matches exactly one name segment.
func MatchGlob(glob, name string) bool {
	if glob == "*" {
		return true
	}
	gsegs := strings.Split(glob, ".")
	nsegs := strings.Split(name, ".")
	if len(gsegs) != len(nsegs) {
		return false
	}
	for i, g := range gsegs {
		if g != "*" && g != nsegs[i] {
			return false
		}
	}
	return true
}
