package dfu

// Event represents an input to the session state machine. It is either
// an [EngineEvent] or a local action ([StartRequested], [Abort], [Reset]).
type Event interface {
	event()
}

// EngineEvent represents a lifecycle event that was emitted by the transfer engine.
type EngineEvent interface {
	Event

	engineEvent()
}

// StartRequested is the local action of starting a transfer.
type StartRequested struct{}

// Abort is the local action of a user cancelling the transfer.
type Abort struct{}

// Reset is the local action of returning a finished session to idle.
type Reset struct{}

// EngineEnablingBootloader is emitted when the engine switches the
// peripheral to its bootloader.
type EngineEnablingBootloader struct{}

// EngineProgress is emitted when the upload progress changes.
type EngineProgress struct {
	Percent     int
	SpeedKBs    float64
	AvgSpeedKBs float64
	Part        uint32
	TotalParts  uint32
}

// EngineValidating is emitted when the peripheral validates the firmware.
type EngineValidating struct{}

// EngineCompleted is emitted when the update has finished successfully.
type EngineCompleted struct{}

// EngineAborted is emitted when the engine has cancelled the transfer.
type EngineAborted struct{}

// EngineError is emitted when the transfer has failed.
type EngineError struct {
	Code    int
	Message string
}

func (StartRequested) event() {}
func (Abort) event()          {}
func (Reset) event()          {}

func (EngineEnablingBootloader) event() {}
func (EngineProgress) event()           {}
func (EngineValidating) event()         {}
func (EngineCompleted) event()          {}
func (EngineAborted) event()            {}
func (EngineError) event()              {}

func (EngineEnablingBootloader) engineEvent() {}
func (EngineProgress) engineEvent()           {}
func (EngineValidating) engineEvent()         {}
func (EngineCompleted) engineEvent()          {}
func (EngineAborted) engineEvent()            {}
func (EngineError) engineEvent()              {}
