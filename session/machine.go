package session

import (
	"github.com/darkhz/bluedfu/api/dfu"
)

// Transition describes the result of applying an event to a session state.
type Transition struct {
	// State is the resulting state. It is the current state if the
	// event did not cause a transition.
	State dfu.SessionState

	// Changed reports whether State differs from the current state.
	Changed bool

	// Anomaly reports whether the event was an out-of-order progress
	// event, which was ignored.
	Anomaly bool
}

// Apply applies an event to the current session state and returns the
// resulting transition. It has no side effects.
//
// Engine events that arrive after a terminal state are ignored, and so are
// events which are not valid in the current state. A progress event with a
// lower percentage than the last one of the same part, or with a lower part
// number, is ignored and reported as an anomaly.
func Apply(current dfu.SessionState, event dfu.Event) Transition {
	switch ev := event.(type) {
	case dfu.StartRequested:
		if _, ok := current.(dfu.Idle); ok {
			return changed(dfu.Starting{})
		}

	case dfu.Abort:
		if dfu.IsActive(current) {
			return changed(dfu.Aborted{})
		}

	case dfu.Reset:
		if dfu.IsTerminal(current) {
			return changed(dfu.Idle{})
		}

	case dfu.EngineEnablingBootloader:
		if _, ok := current.(dfu.Starting); ok {
			return changed(dfu.EnablingBootloaderMode{})
		}

	case dfu.EngineProgress:
		return applyProgress(current, ev)

	case dfu.EngineValidating:
		if _, ok := current.(dfu.Uploading); ok {
			return changed(dfu.Validating{})
		}

	case dfu.EngineCompleted:
		switch current.(type) {
		case dfu.Validating, dfu.Uploading:
			return changed(dfu.Completed{})
		}

	case dfu.EngineAborted:
		if dfu.IsActive(current) {
			return changed(dfu.Aborted{})
		}

	case dfu.EngineError:
		if dfu.IsActive(current) {
			return changed(dfu.Categorize(ev))
		}
	}

	return Transition{State: current}
}

// applyProgress applies a progress event.
// The engine may skip the bootloader stage if the peripheral is already
// in bootloader mode, so uploading can also begin from the starting state.
func applyProgress(current dfu.SessionState, ev dfu.EngineProgress) Transition {
	next := dfu.Uploading{
		Percent:         min(max(ev.Percent, 0), 100),
		AverageSpeedKBs: ev.AvgSpeedKBs,
		CurrentPart:     ev.Part,
		TotalParts:      ev.TotalParts,
	}

	switch state := current.(type) {
	case dfu.Starting, dfu.EnablingBootloaderMode:
		return changed(next)

	case dfu.Uploading:
		if next.CurrentPart < state.CurrentPart ||
			(next.CurrentPart == state.CurrentPart && next.Percent < state.Percent) {
			return Transition{State: current, Anomaly: true}
		}

		if next == state {
			return Transition{State: current}
		}

		return changed(next)
	}

	return Transition{State: current}
}

func changed(state dfu.SessionState) Transition {
	return Transition{State: state, Changed: true}
}
