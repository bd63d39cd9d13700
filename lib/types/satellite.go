package types

import "time"

// SatelliteNode is a registered external storage node that accepts
// private health events on behalf of the relay. Records are created by
// the registration endpoint and refreshed on every re-registration.
type SatelliteNode struct {
	Pubkey         string    `badgerhold:"key" json:"pubkey"`
	URL            string    `json:"url"`
	SupportedKinds []int     `json:"supported_kinds"`
	LastSeen       time.Time `json:"last_seen"`
}

// Live reports whether the node has been seen within the liveness window.
func (n *SatelliteNode) Live(now time.Time, window time.Duration) bool {
	return now.Sub(n.LastSeen) <= window
}

// Accepts reports whether the node advertises support for the given kind.
func (n *SatelliteNode) Accepts(kind int) bool {
	for _, k := range n.SupportedKinds {
		if k == kind {
			return true
		}
	}
	return false
}
