package services

import (
	"errors"
	"fmt"
)

var (
	// ErrBuyRequestInvalidInput signals the caller provided invalid data.
	ErrBuyRequestInvalidInput = errors.New("buy request: invalid input")
	// ErrBuyRequestNotFound indicates the request does not exist, is soft deleted or is not visible to the caller.
	ErrBuyRequestNotFound = errors.New("buy request: not found")
	// ErrBuyRequestConflict indicates the stored request does not allow the attempted transition.
	ErrBuyRequestConflict = errors.New("buy request: conflict")
	// ErrBuyRequestForbidden indicates the caller may see the request but not perform the operation.
	ErrBuyRequestForbidden = errors.New("buy request: forbidden")
	// ErrBuyRequestUnavailable wraps persistence or storage failures the caller may retry.
	ErrBuyRequestUnavailable = errors.New("buy request: unavailable")

	// ErrNotificationInvalidInput signals an invalid notification payload.
	ErrNotificationInvalidInput = errors.New("notification: invalid input")
	// ErrNotificationNotFound indicates the notification is missing or belongs to another recipient.
	ErrNotificationNotFound = errors.New("notification: not found")
	// ErrNotificationUnavailable wraps persistence failures.
	ErrNotificationUnavailable = errors.New("notification: unavailable")

	// ErrResolutionNotFound means no buy request matches the notification.
	ErrResolutionNotFound = errors.New("resolution: no matching buy request")
	// ErrResolutionAmbiguous means more than one buy request matches the notification.
	ErrResolutionAmbiguous = errors.New("resolution: ambiguous buy request")

	// ErrAssignmentBusy is returned while another mutation of the same workflow is outstanding.
	ErrAssignmentBusy = errors.New("assignment: mutation already in flight")
	// ErrAssignmentInvalidStep is returned when an action is not allowed in the current step.
	ErrAssignmentInvalidStep = errors.New("assignment: action not allowed in current step")
	// ErrAssignmentNotFound indicates the session expired, was dismissed or belongs to someone else.
	ErrAssignmentNotFound = errors.New("assignment: session not found")
)

// ValidationError describes a rejected document or field. It matches ErrBuyRequestInvalidInput.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrBuyRequestInvalidInput) match validation failures.
func (e *ValidationError) Is(target error) bool {
	return target == ErrBuyRequestInvalidInput
}

// ResolutionError is returned when a notification cannot be tied to exactly one buy request.
type ResolutionError struct {
	Kind           error
	NotificationID string
	Candidates     int
}

func (e *ResolutionError) Error() string {
	if errors.Is(e.Kind, ErrResolutionAmbiguous) {
		return fmt.Sprintf("%v: notification %s matches %d requests", e.Kind, e.NotificationID, e.Candidates)
	}
	return fmt.Sprintf("%v: notification %s", e.Kind, e.NotificationID)
}

func (e *ResolutionError) Unwrap() error {
	return e.Kind
}
