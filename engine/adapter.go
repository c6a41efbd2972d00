package engine

import (
	"context"
	"sync"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	"github.com/Southclaws/fault/ftag"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/dfu"
)

// DefaultBufferSize is the default number of engine events which can be
// queued before the engine is blocked.
const DefaultBufferSize = 32

// Adapter wraps an external engine and converts its callbacks into an
// ordered, bounded event stream per transfer.
type Adapter struct {
	engine Engine
	buffer int
	log    logrus.FieldLogger
}

// Transfer represents a transfer which was started by the adapter.
// It holds the engine handle, and is used to cancel the transfer
// and to receive its events.
type Transfer struct {
	engine Engine
	handle Handle
	mu     sync.Mutex

	events chan dfu.EngineEvent
	done   chan struct{}

	cancelled atomic.Bool
	terminal  atomic.Bool
	released  sync.Once

	log logrus.FieldLogger
}

// Option is a functional option for configuring the Adapter.
type Option func(*Adapter)

// WithBufferSize sets the size of the event buffer of each transfer.
func WithBufferSize(size int) Option {
	return func(a *Adapter) {
		if size > 0 {
			a.buffer = size
		}
	}
}

// WithLogger sets the logger of the adapter.
func WithLogger(log logrus.FieldLogger) Option {
	return func(a *Adapter) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAdapter returns a new adapter for the provided engine.
func NewAdapter(engine Engine, opts ...Option) *Adapter {
	if engine == nil {
		panic("engine cannot be nil")
	}

	a := &Adapter{
		engine: engine,
		buffer: DefaultBufferSize,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Start submits the transfer to the engine and returns without waiting
// for the transfer to progress.
func (a *Adapter) Start(device dfu.TargetDevice, firmware dfu.FirmwarePackage, options dfu.TransferOptions) (*Transfer, error) {
	t := &Transfer{
		engine: a.engine,
		events: make(chan dfu.EngineEvent, a.buffer),
		done:   make(chan struct{}),
		log:    a.log.WithField("device", device.Address),
	}

	handle, err := a.engine.Start(Request{
		Device:   device,
		Firmware: firmware,
		Options:  options,
	}, t.deliver)
	if err != nil {
		return nil, fault.Wrap(err,
			fctx.With(context.Background(),
				"error_at", "engine-start",
				"address", device.Address,
				"firmware", firmware.DisplayName,
			),
			ftag.With(ftag.Internal),
			fmsg.With("The transfer engine could not be started"),
		)
	}

	t.mu.Lock()
	t.handle = handle
	t.mu.Unlock()

	return t, nil
}

// Events returns the event stream of the transfer.
// The stream is meant to have a single consumer.
func (t *Transfer) Events() <-chan dfu.EngineEvent {
	return t.events
}

// Cancel requests the cancellation of the transfer. It is a no-op if
// the transfer was already cancelled, has finished, or was released.
func (t *Transfer) Cancel() {
	if t.terminal.Load() || t.isReleased() || !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()

	if err := t.engine.Cancel(handle); err != nil {
		t.log.WithError(err).Warn("transfer could not be cancelled")
	}
}

// Release stops the delivery of events and drops the engine handle.
// Only the first call has an effect.
func (t *Transfer) Release() {
	t.released.Do(func() {
		close(t.done)

		t.mu.Lock()
		handle := t.handle
		t.handle = nil
		t.mu.Unlock()

		if releaser, ok := t.engine.(Releaser); ok {
			releaser.Release(handle)
		}

		t.log.Debug("transfer released")
	})
}

// deliver queues an engine event. It blocks while the buffer is full,
// until the transfer is released. Once the transfer is cancelled, events
// that do not fit in the buffer are dropped.
func (t *Transfer) deliver(ev dfu.EngineEvent) {
	if ev == nil {
		return
	}

	if IsTerminal(ev) {
		t.terminal.Store(true)
	}

	select {
	case t.events <- ev:
		return

	default:
	}

	if t.cancelled.Load() {
		t.log.WithField("event", ev).Debug("dropped event of cancelled transfer")
		return
	}

	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transfer) isReleased() bool {
	select {
	case <-t.done:
		return true

	default:
	}

	return false
}
