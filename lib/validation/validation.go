package validation

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Health and fitness event kinds accepted by the relay.
const (
	// NIP-101e workout events
	WorkoutRecordKind    = 1301  // workout records
	ExerciseTemplateKind = 33401 // exercise templates
	WorkoutTemplateKind  = 33402 // workout templates

	// Health event kinds range
	HealthEventMinKind = 32018
	HealthEventMaxKind = 32048
)

// Result classifies the outcome of validating a submitted event.
type Result int

const (
	Accepted Result = iota
	InvalidFormat
	InvalidID
	InvalidSig
	UnsupportedKind
	ClockSkew
)

// Prefix returns the machine-readable prefix for OK-frame messages,
// following the NIP-01 "<prefix>: <message>" convention.
func (r Result) Prefix() string {
	switch r {
	case UnsupportedKind:
		return "unsupported"
	default:
		return "invalid"
	}
}

// KindAllowed reports whether the relay accepts events of this kind
// from clients.
func KindAllowed(kind int) bool {
	switch kind {
	case WorkoutRecordKind, ExerciseTemplateKind, WorkoutTemplateKind:
		return true
	}
	return kind >= HealthEventMinKind && kind <= HealthEventMaxKind
}

// AllowedKinds returns the full accepted kind list, for the relay
// information document.
func AllowedKinds() []int {
	kinds := []int{WorkoutRecordKind, ExerciseTemplateKind, WorkoutTemplateKind}
	for k := HealthEventMinKind; k <= HealthEventMaxKind; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Validate checks a submitted event against the relay's acceptance
// rules: structural well-formedness, id recomputation, schnorr
// signature, kind allow-list and the future clock-skew bound. It is a
// pure function of the event and the supplied wall-clock time.
//
// The returned message is suitable for the OK frame verbatim.
func Validate(ev *nostr.Event, now time.Time, futureSkew time.Duration) (Result, string) {
	if ev == nil {
		return InvalidFormat, "invalid: missing event"
	}
	if !isHex(ev.ID, 64) {
		return InvalidFormat, "invalid: malformed event id"
	}
	if !isHex(ev.PubKey, 64) {
		return InvalidFormat, "invalid: malformed pubkey"
	}
	if !isHex(ev.Sig, 128) {
		return InvalidFormat, "invalid: malformed signature"
	}
	if ev.Kind < 0 {
		return InvalidFormat, "invalid: negative kind"
	}
	for _, tag := range ev.Tags {
		if len(tag) == 0 {
			return InvalidFormat, "invalid: empty tag"
		}
	}

	if !KindAllowed(ev.Kind) {
		return UnsupportedKind, fmt.Sprintf("unsupported: kind %d not accepted by this relay", ev.Kind)
	}

	// Reject events from the future beyond the skew window; arbitrarily
	// old events are accepted.
	eventTime := ev.CreatedAt.Time()
	if eventTime.After(now.Add(futureSkew)) {
		return ClockSkew, fmt.Sprintf("invalid: event creation date is too far off from the current time (%s)", eventTime)
	}

	if ev.GetID() != ev.ID {
		return InvalidID, "invalid: id mismatch"
	}

	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return InvalidSig, "invalid: signature verification failed"
	}

	return Accepted, ""
}
