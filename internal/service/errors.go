package service

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for accept on a non-pending handoff or
// resolve on a non-active one. Callers should refresh state and retry the
// correct action rather than blindly retrying.
var ErrInvalidTransition = errors.New("invalid handoff state transition")

// ErrNoActiveHandoff is returned when an agent sends into a conversation
// with no active handoff.
var ErrNoActiveHandoff = errors.New("no active handoff for conversation")

// ErrAgentNotBound is returned when the sending agent is not the one bound
// to the conversation's active handoff.
var ErrAgentNotBound = errors.New("sender is not the accepting agent")

// AlreadyAcceptedError is returned to an agent that lost the accept race.
// It carries the winner's identity so the losing console can redirect its
// user instead of erroring opaquely.
type AlreadyAcceptedError struct {
	AgentID string
}

func (e *AlreadyAcceptedError) Error() string {
	return fmt.Sprintf("handoff already accepted by agent %s", e.AgentID)
}
