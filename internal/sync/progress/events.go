package progress

import "github.com/asaskevich/EventBus"

// Topics published on a run's bus
const (
	// EventRunStarted carries the run's *RunState
	EventRunStarted = "sync:run:started"
	// EventPhaseChanged carries the phase name
	EventPhaseChanged = "sync:phase:changed"
	// EventOpStarted carries the diff.Operation about to run
	EventOpStarted = "sync:op:started"
	// EventOpFinished carries the Outcome of one operation
	EventOpFinished = "sync:op:finished"
	// EventCancelRequested has no arguments
	EventCancelRequested = "sync:cancel:requested"
	// EventRunFinished carries the final Snapshot
	EventRunFinished = "sync:run:finished"
)

// NewBus returns a bus for progress observers
func NewBus() EventBus.Bus {
	return EventBus.New()
}
