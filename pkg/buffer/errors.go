package buffer

import "errors"

var (
	// ErrStreamFull is returned under the reject_new policy when the events
	// stream is at maxlen. Publishers fail fast; nothing blocks.
	ErrStreamFull = errors.New("stream at maxlen, publish rejected")

	// ErrBackpressureActive is returned while consumer lag throttling is on.
	ErrBackpressureActive = errors.New("backpressure active, publish refused")

	// ErrEntryNotFound is returned when a DLQ entry id does not exist.
	ErrEntryNotFound = errors.New("entry not found")
)
