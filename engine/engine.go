package engine

import (
	"github.com/darkhz/bluedfu/api/dfu"
)

// Handle is an opaque value which identifies a transfer within an engine.
type Handle any

// Request describes a transfer request that is submitted to an engine.
type Request struct {
	Device   dfu.TargetDevice
	Firmware dfu.FirmwarePackage
	Options  dfu.TransferOptions
}

// Listener receives the lifecycle events of a transfer.
// It is called from an execution context that is owned by the engine.
type Listener func(dfu.EngineEvent)

// Engine describes the external transfer engine, which performs the
// bootloader protocol with the peripheral.
type Engine interface {
	// Start submits a transfer request. It must not block past the request
	// submission; the lifecycle events of the transfer are delivered in order
	// to the listener.
	//
	// Events are consumed only after Start returns. An engine which calls
	// the listener synchronously from within Start may do so at most as many
	// times as the adapter buffers (DefaultBufferSize unless configured),
	// otherwise the listener blocks and Start never returns.
	Start(req Request, listener Listener) (Handle, error)

	// Cancel requests the cancellation of the transfer.
	Cancel(handle Handle) error
}

// Releaser is an optional interface that an engine can implement to free
// resources associated with a transfer once it is no longer observed.
type Releaser interface {
	Release(handle Handle)
}

// IsTerminal returns whether the event ends a transfer.
func IsTerminal(ev dfu.EngineEvent) bool {
	switch ev.(type) {
	case dfu.EngineCompleted, dfu.EngineAborted, dfu.EngineError:
		return true
	}

	return false
}
