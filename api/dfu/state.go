package dfu

import "strconv"

// SessionState represents the state of a firmware update session.
// The concrete types are [Idle], [Starting], [EnablingBootloaderMode],
// [Uploading], [Validating], [Completed], [Aborted] and [Failed].
type SessionState interface {
	// Name returns the name of the state.
	Name() string

	sessionState()
}

// Idle is the initial state, no transfer is in progress.
type Idle struct{}

// Starting is the state after a transfer was requested.
type Starting struct{}

// EnablingBootloaderMode is the state where the peripheral is
// being switched to its bootloader.
type EnablingBootloaderMode struct{}

// Uploading is the state where the firmware is being transferred.
type Uploading struct {
	Percent         int
	AverageSpeedKBs float64
	CurrentPart     uint32
	TotalParts      uint32
}

// Validating is the state where the peripheral validates the firmware.
type Validating struct{}

// Completed is the terminal state of a successful update.
type Completed struct{}

// Aborted is the terminal state of a cancelled update.
type Aborted struct{}

// Failed is the terminal state of a failed update.
type Failed struct {
	// Code is the category of the failure.
	Code ErrorCode

	// RawCode is the error code that was reported by the engine.
	RawCode int

	// Message is the human-readable failure description.
	Message string
}

func (Idle) sessionState()                   {}
func (Starting) sessionState()               {}
func (EnablingBootloaderMode) sessionState() {}
func (Uploading) sessionState()              {}
func (Validating) sessionState()             {}
func (Completed) sessionState()              {}
func (Aborted) sessionState()                {}
func (Failed) sessionState()                 {}

// Name returns the name of the state.
func (Idle) Name() string { return "idle" }

// Name returns the name of the state.
func (Starting) Name() string { return "starting" }

// Name returns the name of the state.
func (EnablingBootloaderMode) Name() string { return "enabling bootloader mode" }

// Name returns the name of the state.
func (u Uploading) Name() string {
	name := "uploading " + strconv.Itoa(u.Percent) + "%"
	if u.TotalParts > 1 {
		name += " (part " + strconv.FormatUint(uint64(u.CurrentPart), 10) +
			"/" + strconv.FormatUint(uint64(u.TotalParts), 10) + ")"
	}

	return name
}

// Name returns the name of the state.
func (Validating) Name() string { return "validating" }

// Name returns the name of the state.
func (Completed) Name() string { return "completed" }

// Name returns the name of the state.
func (Aborted) Name() string { return "aborted" }

// Name returns the name of the state.
func (f Failed) Name() string { return "failed: " + f.Message }

// IsTerminal returns whether no further automatic transition can
// occur from the provided state.
func IsTerminal(state SessionState) bool {
	switch state.(type) {
	case Completed, Aborted, Failed:
		return true
	}

	return false
}

// IsActive returns whether a transfer is in flight in the provided state.
func IsActive(state SessionState) bool {
	switch state.(type) {
	case Starting, EnablingBootloaderMode, Uploading, Validating:
		return true
	}

	return false
}
