// Package watcher owns the long-lived presence watcher: it wires a
// sighting source into a proximity filter, pushes the resulting
// presence changes to a publisher, and exposes a start/stop surface
// that an external stop control can drive.
//
// Status moves Stopped → Starting → Running → Stopping → Stopped. All
// state is guarded by a mutex, so sightings, stop requests and control
// signals may arrive from independent goroutines.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nugget/proxwatch/internal/proximity"
)

// ActionStop is the control action that stops the watcher and shuts
// down the host process.
const ActionStop = "stop"

var (
	// ErrAlreadyRunning is returned by Start when the watcher is not stopped.
	ErrAlreadyRunning = errors.New("watcher already running")

	// ErrSourceUnavailable wraps the error returned when the sighting
	// source cannot be opened.
	ErrSourceUnavailable = errors.New("sighting source unavailable")
)

// ScanFailure is a non-fatal failure reported by a sighting source.
type ScanFailure struct {
	Code int
}

func (f ScanFailure) Error() string {
	return fmt.Sprintf("scan failed: %s (code %d)", proximity.ScanFailureName(f.Code), f.Code)
}

// SightingSource yields sightings asynchronously until the returned
// subscription is closed. Callbacks run on the source's own goroutines
// and must not be invoked after Close returns.
type SightingSource interface {
	Subscribe(ctx context.Context, onSighting func(proximity.Sighting), onFailure func(code int)) (io.Closer, error)
}

// Publisher receives presence changes. Publish is fire-and-forget and
// must not block.
type Publisher interface {
	Publish(change proximity.PresenceChange)
}

// StopControl delivers out-of-process control actions. Listen registers
// handler until the returned registration is closed. Closing must not
// wait for an in-flight handler call to return.
type StopControl interface {
	Listen(handler func(action string)) (io.Closer, error)
}

// Status is the lifecycle state of a watcher.
type Status int

const (
	Stopped Status = iota
	Starting
	Running
	Stopping
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name produced by MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for _, candidate := range []Status{Stopped, Starting, Running, Stopping} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown watcher status %q", text)
}

// Options configures one run of the watcher. It is fixed at Start.
type Options struct {
	// Target is the normalized identifier of the tracked device.
	Target string
	// Threshold is the near/far cutoff in dBm (strictly greater is near).
	Threshold int
	// Classifier overrides the single-threshold rule when set.
	Classifier proximity.Classifier
}

func (o Options) validate() error {
	if strings.TrimSpace(o.Target) == "" {
		return errors.New("watcher: target identifier is required")
	}
	return nil
}

func (o Options) newFilter() *proximity.Filter {
	if o.Classifier != nil {
		return proximity.NewFilterWithClassifier(o.Target, o.Classifier)
	}
	return proximity.NewFilter(o.Target, o.Threshold)
}

// IsStopAction reports whether a control payload asks for a stop.
func IsStopAction(action string) bool {
	return strings.EqualFold(strings.TrimSpace(action), ActionStop)
}
