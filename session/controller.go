package session

import (
	"context"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/errorkinds"
	"github.com/darkhz/bluedfu/api/eventbus"
	"github.com/darkhz/bluedfu/engine"
)

// FileResolver resolves a firmware file reference.
type FileResolver interface {
	Resolve(reference string) (dfu.FirmwarePackage, error)
}

// TransferStarter starts transfers on the transfer engine.
type TransferStarter interface {
	Start(device dfu.TargetDevice, firmware dfu.FirmwarePackage, options dfu.TransferOptions) (*engine.Transfer, error)
}

// Recorder receives the notable actions of a controller, for example
// to keep an update history.
type Recorder interface {
	FileSelected(firmware dfu.FirmwarePackage)
	TransferStarted(sessionID string, device dfu.TargetDevice, firmware dfu.FirmwarePackage, options dfu.TransferOptions)
	TransferFinished(sessionID string, result dfu.SessionState)
}

// Controller owns the lifecycle of a single firmware update attempt.
//
// All changes to the session are made by a single goroutine, which
// processes the requests of the caller and the events of the active
// transfer in order. Every state change is published on the event bus.
type Controller struct {
	resolver FileResolver
	starter  TransferStarter
	recorder Recorder
	bus      *eventbus.Bus
	log      logrus.FieldLogger

	busCapacity             int
	clearDeviceOnFileSelect bool

	requests  chan request
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	snapshot  atomic.Pointer[stateBox]
	anomalies atomic.Uint64

	// Only accessed by the loop goroutine.
	current   dfu.SessionState
	firmware  dfu.FirmwarePackage
	device    dfu.TargetDevice
	transfer  *engine.Transfer
	sessionID string
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// request holds a function to be run by the loop goroutine.
type request struct {
	fn    func() error
	reply chan error
}

// stateBox holds a state snapshot, since the state variants have
// different concrete types.
type stateBox struct {
	state dfu.SessionState
}

// WithClearDeviceOnFileSelect sets whether selecting a new firmware file
// also clears the selected device. By default, the device is kept.
func WithClearDeviceOnFileSelect(clear bool) Option {
	return func(c *Controller) {
		c.clearDeviceOnFileSelect = clear
	}
}

// WithLogger sets the logger of the controller.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithRecorder sets the recorder which is notified of the controller's actions.
func WithRecorder(recorder Recorder) Option {
	return func(c *Controller) {
		c.recorder = recorder
	}
}

// WithBusCapacity sets the buffer size of each subscriber channel.
func WithBusCapacity(capacity int) Option {
	return func(c *Controller) {
		c.busCapacity = capacity
	}
}

// NewController returns a new controller in the idle state.
func NewController(resolver FileResolver, starter TransferStarter, opts ...Option) *Controller {
	if resolver == nil || starter == nil {
		panic("resolver and transfer starter cannot be nil")
	}

	c := &Controller{
		resolver: resolver,
		starter:  starter,
		log:      logrus.StandardLogger(),
		requests: make(chan request),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		current:  dfu.Idle{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.bus = eventbus.New(c.busCapacity)
	c.snapshot.Store(&stateBox{state: c.current})

	go c.run()

	return c
}

// SelectFile resolves the firmware file reference and selects it.
// It fails if the file cannot be resolved, or if a session is in progress.
func (c *Controller) SelectFile(reference string) error {
	firmware, err := c.resolver.Resolve(reference)
	if err != nil {
		return err
	}

	return c.do(func() error {
		if dfu.IsActive(c.current) {
			return c.inProgressError("select-file")
		}

		c.firmware = firmware
		if c.clearDeviceOnFileSelect {
			c.device = dfu.TargetDevice{}
		}

		c.log.WithFields(logrus.Fields{
			"file": firmware.DisplayName,
			"size": firmware.SizeBytes,
		}).Debug("firmware file selected")

		if c.recorder != nil {
			c.recorder.FileSelected(firmware)
		}

		return nil
	})
}

// SelectDevice selects the target device.
// It fails if a session is in progress.
func (c *Controller) SelectDevice(device dfu.TargetDevice) error {
	return c.do(func() error {
		if dfu.IsActive(c.current) {
			return c.inProgressError("select-device")
		}

		c.device = device
		c.log.WithField("device", device.String()).Debug("target device selected")

		return nil
	})
}

// Start starts a transfer of the selected firmware file to the selected
// device, with the provided options. It returns without waiting for the
// transfer to progress.
//
// It fails if a session is in progress, or if the firmware file or the device
// is not selected. If the engine cannot start the transfer, the session
// moves to the failed state.
func (c *Controller) Start(options dfu.TransferOptions) error {
	return c.do(func() error {
		if _, ok := c.current.(dfu.Idle); !ok {
			return c.inProgressError("start")
		}

		var missing string
		switch {
		case c.firmware.IsNil() && c.device.IsNil():
			missing = "firmware file and device"

		case c.firmware.IsNil():
			missing = "firmware file"

		case c.device.IsNil():
			missing = "device"
		}
		if missing != "" {
			return fault.Wrap(errorkinds.ErrNotReady,
				fctx.With(context.Background(), "error_at", "start", "missing", missing),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("No "+missing+" is selected"),
			)
		}

		c.sessionID = uuid.NewString()
		c.apply(dfu.StartRequested{})

		if c.recorder != nil {
			c.recorder.TransferStarted(c.sessionID, c.device, c.firmware, options)
		}

		transfer, err := c.starter.Start(c.device, c.firmware, options)
		if err != nil {
			c.log.WithError(err).Warn("transfer could not be started")

			c.setState(dfu.Failed{Code: dfu.ErrorEngineStart, Message: err.Error()})
			c.finish()

			return nil
		}

		c.transfer = transfer

		return nil
	})
}

// Abort aborts the current session. It does not wait for the engine
// to acknowledge the cancellation, and is a no-op if no session is active.
func (c *Controller) Abort() {
	_ = c.do(func() error {
		if !dfu.IsActive(c.current) {
			return nil
		}

		if c.transfer != nil {
			c.transfer.Cancel()
		}

		c.apply(dfu.Abort{})

		return nil
	})
}

// Reset returns a finished session to the idle state, and clears the
// selected firmware file and device. It fails if the session has not finished.
func (c *Controller) Reset() error {
	return c.do(func() error {
		if !dfu.IsTerminal(c.current) {
			return fault.Wrap(errorkinds.ErrSessionNotTerminal,
				fctx.With(context.Background(), "error_at", "reset", "state", c.current.Name()),
				ftag.With(ftag.InvalidArgument),
				fmsg.With("The session can only be reset after it has finished"),
			)
		}

		c.releaseTransfer()
		c.firmware = dfu.FirmwarePackage{}
		c.device = dfu.TargetDevice{}
		c.sessionID = ""

		c.apply(dfu.Reset{})

		return nil
	})
}

// CurrentState returns a snapshot of the session state.
func (c *Controller) CurrentState() dfu.SessionState {
	return c.snapshot.Load().state
}

// Subscribe subscribes to the session state changes. Every change is
// delivered in order, and the subscriber must consume the channel
// until it is closed, or unsubscribe.
func (c *Controller) Subscribe() eventbus.Subscription {
	return c.bus.Subscribe()
}

// Anomalies returns the number of out-of-order progress events which
// were ignored.
func (c *Controller) Anomalies() uint64 {
	return c.anomalies.Load()
}

// Selection returns the selected firmware file and device, and whether
// each of them is selected.
func (c *Controller) Selection() (firmware dfu.FirmwarePackage, device dfu.TargetDevice, hasFile, hasDevice bool) {
	_ = c.do(func() error {
		firmware, device = c.firmware, c.device
		hasFile, hasDevice = !firmware.IsNil(), !device.IsNil()

		return nil
	})

	return
}

// Close stops the controller. An active transfer is cancelled and released,
// and all subscriptions are closed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.loopDone

		c.bus.Close()
	})
}

// run processes the requests and the transfer events until the controller is closed.
func (c *Controller) run() {
	defer close(c.loopDone)

	for {
		var events <-chan dfu.EngineEvent
		if c.transfer != nil {
			events = c.transfer.Events()
		}

		select {
		case <-c.quit:
			if c.transfer != nil {
				c.transfer.Cancel()
			}
			c.releaseTransfer()

			return

		case req := <-c.requests:
			req.reply <- req.fn()

		case ev := <-events:
			c.apply(ev)
		}
	}
}

// do runs the function on the loop goroutine and waits for its result.
func (c *Controller) do(fn func() error) error {
	reply := make(chan error, 1)

	select {
	case c.requests <- request{fn: fn, reply: reply}:
	case <-c.quit:
		return errorkinds.ErrControllerClosed
	}

	return <-reply
}

// apply applies the event to the session state, and publishes the new state.
// On a terminal transition, the transfer is released before publishing.
func (c *Controller) apply(ev dfu.Event) {
	transition := Apply(c.current, ev)

	if transition.Anomaly {
		c.anomalies.Inc()
		c.log.WithFields(logrus.Fields{
			"state": c.current.Name(),
			"event": ev,
		}).Debug("ignored out-of-order progress event")
	}

	if !transition.Changed {
		return
	}

	terminal := dfu.IsTerminal(transition.State)
	if terminal {
		c.releaseTransfer()
	}

	c.setState(transition.State)
	if terminal {
		c.finish()
	}
}

// setState sets and publishes the session state.
func (c *Controller) setState(state dfu.SessionState) {
	c.log.WithFields(logrus.Fields{
		"from":    c.current.Name(),
		"to":      state.Name(),
		"session": c.sessionID,
	}).Debug("session state changed")

	c.current = state
	c.snapshot.Store(&stateBox{state: state})
	c.bus.Publish(state)
}

// finish releases the transfer once the session has finished, and records
// the result. A transfer is already released before its terminal state is
// published.
func (c *Controller) finish() {
	c.releaseTransfer()

	if failed, ok := c.current.(dfu.Failed); ok {
		c.log.WithFields(logrus.Fields{
			"code":     failed.Code.String(),
			"raw_code": failed.RawCode,
		}).Warn(failed.Message)
	}

	if c.recorder != nil && c.sessionID != "" {
		c.recorder.TransferFinished(c.sessionID, c.current)
	}
}

func (c *Controller) releaseTransfer() {
	if c.transfer == nil {
		return
	}

	c.transfer.Release()
	c.transfer = nil
}

func (c *Controller) inProgressError(at string) error {
	return fault.Wrap(errorkinds.ErrSessionInProgress,
		fctx.With(context.Background(), "error_at", at, "state", c.current.Name()),
		ftag.With(ftag.InvalidArgument),
		fmsg.With("A firmware update is in progress"),
	)
}
