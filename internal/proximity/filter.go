package proximity

// Classifier decides whether a sample counts as near. present is the
// filter's current state, which lets banded classifiers apply a
// different cutoff for entering and leaving.
type Classifier func(strength int, present bool) bool

// SingleThreshold classifies a sample as near when it is strictly
// stronger than threshold, regardless of the current state. A signal
// hovering at the cutoff will flip on every sample.
func SingleThreshold(threshold int) Classifier {
	return func(strength int, _ bool) bool {
		return strength > threshold
	}
}

// Band uses enter as the cutoff while absent and exit while present.
// With exit below enter, a device must get clearly closer to become
// present and clearly farther to become absent again. Band(t, t)
// behaves exactly like SingleThreshold(t).
func Band(enter, exit int) Classifier {
	return func(strength int, present bool) bool {
		if present {
			return strength > exit
		}
		return strength > enter
	}
}

// Filter is the presence state machine for one target identifier.
type Filter struct {
	target   string
	classify Classifier
	state    State
}

// NewFilter returns a filter for target using the single-threshold
// rule. The filter starts Absent.
func NewFilter(target string, threshold int) *Filter {
	return NewFilterWithClassifier(target, SingleThreshold(threshold))
}

// NewFilterWithClassifier returns a filter for target using classify to
// decide near/far. A nil classify falls back to [DefaultThreshold].
func NewFilterWithClassifier(target string, classify Classifier) *Filter {
	if classify == nil {
		classify = SingleThreshold(DefaultThreshold)
	}
	return &Filter{target: target, classify: classify}
}

// Target returns the identifier this filter tracks.
func (f *Filter) Target() string {
	return f.target
}

// State returns the current presence classification.
func (f *Filter) State() State {
	return f.state
}

// Observe folds one sighting into the filter. It reports a change (and
// true) only when the sighting belongs to the target and flips the
// presence state; everything else returns false and leaves the state
// untouched.
func (f *Filter) Observe(s Sighting) (PresenceChange, bool) {
	if s.Identifier != f.target {
		return PresenceChange{}, false
	}

	near := f.classify(s.Strength, f.state == Present)
	switch {
	case near && f.state == Absent:
		f.state = Present
		return PresenceChange{Identifier: s.Identifier, Present: true}, true
	case !near && f.state == Present:
		f.state = Absent
		return PresenceChange{Identifier: s.Identifier, Present: false}, true
	default:
		return PresenceChange{}, false
	}
}
