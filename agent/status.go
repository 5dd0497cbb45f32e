package agent

import (
	"errors"
	"fmt"
)

// Status is the onboarding_status column.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProfileComplete Status = "profile_complete"
	StatusContractSent    Status = "contract_sent"
	StatusCompleted       Status = "completed"
)

// Event drives a forward transition.
type Event string

const (
	// EventProfileSubmitted fires once the profile has been validated and stored.
	EventProfileSubmitted Event = "profile_submitted"
	// EventContractDispatched fires once the contract email has been accepted by the transport.
	EventContractDispatched Event = "contract_dispatched"
	// EventContractSigned fires once the signature has been recorded.
	EventContractSigned Event = "contract_signed"
	// EventSubmissionCompleted is the fused path of the atomic submission pipeline.
	EventSubmissionCompleted Event = "submission_completed"
)

var (
	// ErrTransitionConflict signals that the current status does not permit the event.
	ErrTransitionConflict = errors.New("agent: status transition conflict")
	// ErrUnknownEvent signals an event with no transition rule.
	ErrUnknownEvent = errors.New("agent: unknown event")
)

type rule struct {
	from []Status
	to   Status
}

var rules = map[Event]rule{
	EventProfileSubmitted:    {from: []Status{StatusPending}, to: StatusProfileComplete},
	EventContractDispatched:  {from: []Status{StatusProfileComplete}, to: StatusContractSent},
	EventContractSigned:      {from: []Status{StatusContractSent}, to: StatusCompleted},
	EventSubmissionCompleted: {from: []Status{StatusPending, StatusProfileComplete, StatusContractSent}, to: StatusContractSent},
}

// TransitionError reports the status observed when an event was rejected.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent: event %s not allowed from status %s", e.Event, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrTransitionConflict
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProfileComplete, StatusContractSent, StatusCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Rank orders statuses along the onboarding sequence; unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProfileComplete:
		return 1
	case StatusContractSent:
		return 2
	case StatusCompleted:
		return 3
	default:
		return -1
	}
}

// Sources returns the statuses from which ev may fire.
func Sources(ev Event) ([]Status, error) {
	r, ok := rules[ev]
	if !ok {
		return nil, ErrUnknownEvent
	}
	out := make([]Status, len(r.from))
	copy(out, r.from)
	return out, nil
}

// Target returns the status ev leads to.
func Target(ev Event) (Status, error) {
	r, ok := rules[ev]
	if !ok {
		return "", ErrUnknownEvent
	}
	return r.to, nil
}

// Next applies ev to from.
func Next(from Status, ev Event) (Status, error) {
	r, ok := rules[ev]
	if !ok {
		return "", ErrUnknownEvent
	}
	for _, s := range r.from {
		if s == from {
			return r.to, nil
		}
	}
	return "", &TransitionError{From: from, Event: ev}
}

// CanFire reports whether ev is allowed from s.
func CanFire(s Status, ev Event) bool {
	_, err := Next(s, ev)
	return err == nil
}
