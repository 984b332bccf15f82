package mqttbroker

import (
	"fmt"
	"strings"
)

// validateTopicName rejects empty names and names carrying wildcards.
func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic name")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("wildcard in topic name %q", topic)
	}
	return nil
}

// validateFilter checks the wildcard placement rules of a subscription filter.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("multi-level wildcard must be last in %q", filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("wildcard must occupy a whole level in %q", filter)
		}
	}
	return nil
}

// Match reports whether topic matches filter, honouring the single-level "+" and
// multi-level "#" wildcards. Topics starting with "$" never match a leading wildcard.
func Match(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if level == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if level != "+" && level != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
