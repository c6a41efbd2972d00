// Package simulated provides a transfer engine which simulates a transfer,
// for demonstrations and dry runs.
package simulated

import (
	"context"
	"errors"
	"time"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/engine"
)

// Engine simulates transfers.
type Engine struct {
	step     time.Duration
	parts    uint32
	failAt   int
	failCode int
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithStep sets the delay between two events.
func WithStep(step time.Duration) Option {
	return func(e *Engine) {
		if step > 0 {
			e.step = step
		}
	}
}

// WithParts sets the number of firmware parts which are transferred.
func WithParts(parts uint32) Option {
	return func(e *Engine) {
		if parts > 0 {
			e.parts = parts
		}
	}
}

// WithFailure makes the transfer fail with the provided error code once
// the last part reaches the percentage.
func WithFailure(percent, code int) Option {
	return func(e *Engine) {
		e.failAt, e.failCode = percent, code
	}
}

// New returns a new simulated engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		step:   50 * time.Millisecond,
		parts:  1,
		failAt: -1,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// transfer describes a simulated transfer.
type transfer struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Start starts simulating a transfer.
func (e *Engine) Start(req engine.Request, listener engine.Listener) (engine.Handle, error) {
	if req.Device.IsNil() || req.Firmware.IsNil() {
		return nil, errors.New("a device and a firmware file are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{ctx: ctx, cancel: cancel}

	go e.simulate(t, req, listener)

	return t, nil
}

// Cancel cancels the simulated transfer.
func (e *Engine) Cancel(handle engine.Handle) error {
	t, ok := handle.(*transfer)
	if !ok || t == nil {
		return errors.New("invalid transfer handle")
	}

	t.cancel()

	return nil
}

func (e *Engine) simulate(t *transfer, req engine.Request, listener engine.Listener) {
	ticker := time.NewTicker(e.step)
	defer ticker.Stop()

	wait := func() bool {
		select {
		case <-ticker.C:
			if t.ctx.Err() == nil {
				return true
			}

		case <-t.ctx.Done():
		}

		listener(dfu.EngineAborted{})

		return false
	}

	if !wait() {
		return
	}
	listener(dfu.EngineEnablingBootloader{})

	size := float64(req.Firmware.SizeBytes) / 1024 / float64(e.parts)
	speed := size / 20 / e.step.Seconds()

	for part := uint32(1); part <= e.parts; part++ {
		for percent := 0; percent <= 100; percent += 5 {
			if !wait() {
				return
			}

			if part == e.parts && e.failAt >= 0 && percent >= e.failAt {
				listener(dfu.EngineError{Code: e.failCode})
				return
			}

			listener(dfu.EngineProgress{
				Percent:     percent,
				SpeedKBs:    speed,
				AvgSpeedKBs: speed,
				Part:        part,
				TotalParts:  e.parts,
			})
		}
	}

	if !wait() {
		return
	}
	listener(dfu.EngineValidating{})

	if !wait() {
		return
	}
	listener(dfu.EngineCompleted{})
}
