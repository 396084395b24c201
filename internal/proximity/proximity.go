// Package proximity turns a noisy stream of signal-strength samples for
// a single target device into a clean presence signal. A [Filter]
// classifies each [Sighting] as near or far and reports a
// [PresenceChange] only when the binary presence state actually flips.
//
// Nothing in this package performs I/O or blocks. A Filter is not safe
// for concurrent use; callers serialize access (see the watcher
// package).
package proximity

import "strings"

// DefaultThreshold is the signal-strength cutoff in dBm used when none
// is configured. Sightings strictly stronger than this count as near.
const DefaultThreshold = -70

// Scan failure codes reported by sighting sources. The values follow
// the platform scan-callback codes so that logs from different radios
// line up.
const (
	// ScanAlreadyStarted means a scan was already running on the radio.
	ScanAlreadyStarted = 1
	// ScanRegistrationFailed means the scanner could not register the
	// caller (usually a permissions or resource problem).
	ScanRegistrationFailed = 2
	// ScanInternalError covers transient backend failures: radio
	// errors, controller timeouts, malformed responses.
	ScanInternalError = 3
	// ScanUnsupported means the backend cannot perform this kind of scan.
	ScanUnsupported = 4
)

// ScanFailureName returns a short label for a scan failure code.
func ScanFailureName(code int) string {
	switch code {
	case ScanAlreadyStarted:
		return "already_started"
	case ScanRegistrationFailed:
		return "registration_failed"
	case ScanInternalError:
		return "internal_error"
	case ScanUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Sighting is one observed signal-strength sample. Strength is in
// dBm-like units: negative, and more negative means weaker.
type Sighting struct {
	Identifier string
	Strength   int
}

// PresenceChange reports that the target device became present or
// absent. It is only produced on a transition.
type PresenceChange struct {
	Identifier string `json:"identifier"`
	Present    bool   `json:"present"`
}

// State is the binary presence classification held by a Filter.
type State int

const (
	// Absent is the initial state of every filter.
	Absent State = iota
	// Present means the last classifying sighting was near.
	Present
)

// String returns "absent" or "present".
func (s State) String() string {
	if s == Present {
		return "present"
	}
	return "absent"
}

// NormalizeID canonicalizes a device identifier so that addresses
// reported by different backends (upper-case radio stacks, lower-case
// network controllers) compare equal.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
