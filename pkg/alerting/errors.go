package alerting

import "errors"

var (
	// ErrAlertNotFound is returned when an alert id or open-alert lookup has
	// no match.
	ErrAlertNotFound = errors.New("alert not found")

	// ErrInvalidTransition is returned when a status change violates the
	// alert lifecycle. Closed alerts never leave closed; the operator opens a
	// new alert linked via related_alert_ids instead.
	ErrInvalidTransition = errors.New("invalid alert status transition")
)
