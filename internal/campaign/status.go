// Package campaign governs the bulk-send lifecycle: a campaign moves
// through an explicit state machine and fans out one queue entry per
// resolved recipient when it starts sending.
package campaign

import "fmt"

// Status is the campaign lifecycle state. Transitions are only valid along
// the table below; anything else is rejected with a TransitionError.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusReady     Status = "ready"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// SendType selects immediate versus scheduled delivery.
type SendType string

const (
	SendImmediate SendType = "immediate"
	SendScheduled SendType = "scheduled"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusReady, StatusCancelled},
	StatusReady:     {StatusSending, StatusScheduled, StatusCancelled},
	StatusScheduled: {StatusSending, StatusReady, StatusCancelled},
	StatusSending:   {StatusSent, StatusCompleted, StatusCancelled},
	StatusSent:      {StatusCompleted},
	StatusCompleted: nil,
	StatusCancelled: nil,
}

// TransitionError names the disallowed pair so callers can report exactly
// which move was rejected.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid campaign transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether from→to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a TransitionError when from→to is not allowed.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
