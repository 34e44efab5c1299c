package entities

import "fmt"

// NotFoundError reports a missing entity by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// NewNotFound builds a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StateError reports a transition that is not legal from the current state.
type StateError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %q: illegal transition %s -> %s", e.Entity, e.ID, e.Current, e.Requested)
}

// NewStateError builds a StateError for the given entity, id and transition.
func NewStateError(entity, id, current, requested string) *StateError {
	return &StateError{Entity: entity, ID: id, Current: current, Requested: requested}
}

// ValidationError reports a rule-coded input rejection. RuleID is a stable
// string safe to log and index on.
type ValidationError struct {
	RuleID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.RuleID, e.Reason)
}

// NewValidationError builds a ValidationError with a stable rule id.
func NewValidationError(ruleID, reason string) *ValidationError {
	return &ValidationError{RuleID: ruleID, Reason: reason}
}
