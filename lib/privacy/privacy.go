package privacy

import (
	"github.com/nbd-wtf/go-nostr"

	"github.com/healthnote-storage/healthnote-relay/lib/validation"
)

// Level is the privacy classification of a health event.
type Level int

const (
	// Public events are stored on the main relay and visible to everyone
	Public Level = iota
	// Limited events are stored on the main relay but with access control
	Limited
	// Private events are offloaded to satellite nodes
	Private
)

func (l Level) String() string {
	switch l {
	case Public:
		return "public"
	case Limited:
		return "limited"
	case Private:
		return "private"
	default:
		return "unknown"
	}
}

// fromTagValue maps a recognized privacy tag value to its level.
func fromTagValue(v string) (Level, bool) {
	switch v {
	case "public":
		return Public, true
	case "limited", "friends":
		return Limited, true
	case "private":
		return Private, true
	}
	return Public, false
}

// Classify returns the privacy level of an event. An explicit privacy
// tag wins over the kind defaults; when several privacy tags conflict,
// the first in tag order wins. Classification is a pure function of
// the event.
func Classify(ev *nostr.Event) Level {
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		if tag[0] != "privacy" && tag[0] != "privacy_level" {
			continue
		}
		if level, ok := fromTagValue(tag[1]); ok {
			return level
		}
	}

	return kindDefault(ev.Kind)
}

// kindDefault is the privacy table applied when no privacy tag is set.
func kindDefault(kind int) Level {
	switch kind {
	case validation.WorkoutRecordKind:
		return Limited
	case validation.ExerciseTemplateKind, validation.WorkoutTemplateKind:
		return Public
	}

	if kind >= validation.HealthEventMinKind && kind <= validation.HealthEventMaxKind {
		switch {
		// Public health events (achievements, challenges)
		case kind >= 32040:
			return Public
		// Limited health events (shared metrics)
		case kind >= 32030:
			return Limited
		// Private health events (personal metrics)
		default:
			return Private
		}
	}

	return Public
}
