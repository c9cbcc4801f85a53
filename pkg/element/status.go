package element

import (
	"fmt"
)

// Status is the lifecycle state of a work element.
type Status int

const (
	StatusAvailable Status = iota
	StatusNegotiating
	StatusAcquired
	StatusRunning
	StatusDone
	StatusFailed
	StatusCancelRequested
	StatusCanceled
)

var statusNames = map[Status]string{
	StatusAvailable:       "Available",
	StatusNegotiating:     "Negotiating",
	StatusAcquired:        "Acquired",
	StatusRunning:         "Running",
	StatusDone:            "Done",
	StatusFailed:          "Failed",
	StatusCancelRequested: "CancelRequested",
	StatusCanceled:        "Canceled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", s)
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown element status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("invalid element status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the element is held by some queue tier, i.e. it is
// past negotiation but not yet finished.
func (s Status) IsActive() bool {
	switch s {
	case StatusAcquired, StatusRunning, StatusCancelRequested:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusAvailable:   {StatusNegotiating},
	StatusNegotiating: {StatusAcquired, StatusAvailable},
	StatusAcquired:    {StatusRunning, StatusDone, StatusFailed},
	StatusRunning:     {StatusDone, StatusFailed},
	// A cancel request is only resolved once every in-flight job has been killed.
	StatusCancelRequested: {StatusCanceled},
}

// CanTransition reports whether an element may move from one status to
// another. Every non-terminal status may move to CancelRequested, and an
// Available element that was never handed out may be canceled directly.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusCancelRequested {
		return from != StatusCancelRequested
	}
	if from == StatusAvailable && to == StatusCanceled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
