// Package process provides a transfer engine which runs an external
// DFU helper command, and reads the events of the transfer from its output.
//
// The command is invoked with the device address, the firmware file and
// the transfer options as arguments:
//
//	<command> [args...] --address <address> --file <path> [options...]
//
// and reports each event as a JSON object on a separate line of its
// standard output, for example:
//
//	{"event": "enabling_bootloader"}
//	{"event": "progress", "percent": 42, "speed": 10.2, "avg_speed": 9.8, "part": 1, "parts": 2}
//	{"event": "validating"}
//	{"event": "completed"}
//	{"event": "aborted"}
//	{"event": "error", "code": 4098, "message": "file error"}
//
// Any other output is logged.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/engine"
)

// The event names reported by the helper command.
const (
	eventEnablingBootloader = "enabling_bootloader"
	eventProgress           = "progress"
	eventValidating         = "validating"
	eventCompleted          = "completed"
	eventAborted            = "aborted"
	eventError              = "error"
)

// Engine runs transfers through a helper command.
type Engine struct {
	command string
	args    []string
	env     []string
	log     logrus.FieldLogger
}

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithEnv sets additional environment variables for the helper command.
func WithEnv(env ...string) Option {
	return func(e *Engine) {
		e.env = append(e.env, env...)
	}
}

// WithLogger sets the logger of the engine.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New returns a new engine which runs the provided command.
func New(command string, args []string, opts ...Option) *Engine {
	e := &Engine{
		command: command,
		args:    args,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// run describes a running helper command.
type run struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	cancelled atomic.Bool
	terminal  atomic.Bool
	stderr    *ringBuffer
}

// message describes an event which is reported by the helper command.
type message struct {
	Event    string  `json:"event"`
	Percent  int     `json:"percent"`
	Speed    float64 `json:"speed"`
	AvgSpeed float64 `json:"avg_speed"`
	Part     uint32  `json:"part"`
	Parts    uint32  `json:"parts"`
	Code     int     `json:"code"`
	Message  string  `json:"message"`
}

// Start starts the helper command. The events of the transfer are delivered
// to the listener from a separate goroutine.
func (e *Engine) Start(req engine.Request, listener engine.Listener) (engine.Handle, error) {
	args := append([]string{}, e.args...)
	args = append(args, "--address", req.Device.Address, "--file", req.Firmware.Handle)
	args = append(args, req.Options.Args()...)

	ctx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(ctx, e.command, args...)
	cmd.Env = append(cmd.Environ(), e.env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}

	r := &run{
		cmd:    cmd,
		cancel: cancel,
		stderr: &ringBuffer{max: 4096},
	}
	cmd.Stderr = r.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", e.command, err)
	}

	log := e.log.WithFields(logrus.Fields{
		"command": e.command,
		"pid":     cmd.Process.Pid,
		"address": req.Device.Address,
	})
	log.Debug("transfer helper started")

	go e.watch(r, stdout, listener, log)

	return r, nil
}

// Cancel stops the helper command.
func (e *Engine) Cancel(handle engine.Handle) error {
	r, ok := handle.(*run)
	if !ok || r == nil {
		return errors.New("invalid transfer handle")
	}

	r.cancelled.Store(true)
	r.cancel()

	return nil
}

// Release stops the helper command, if it is still running.
func (e *Engine) Release(handle engine.Handle) {
	if r, ok := handle.(*run); ok && r != nil {
		r.cancel()
	}
}

// watch reads the events from the output of the helper command, and
// reports the result once the command has exited.
func (e *Engine) watch(r *run, stdout io.Reader, listener engine.Listener, log logrus.FieldLogger) {
	defer r.cancel()

	emit := func(ev dfu.EngineEvent) {
		if r.terminal.Load() {
			return
		}
		if engine.IsTerminal(ev) {
			r.terminal.Store(true)
		}

		listener(ev)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		ev, err := parseEvent(line)
		if err != nil {
			log.WithField("output", line).Debug("transfer helper")
			continue
		}

		emit(ev)
	}

	err := r.cmd.Wait()

	switch {
	case r.terminal.Load():

	case r.cancelled.Load():
		emit(dfu.EngineAborted{})

	case err != nil:
		message := err.Error()
		if s := strings.TrimSpace(r.stderr.String()); s != "" {
			message += ": " + s
		}

		emit(dfu.EngineError{Message: message})

	default:
		emit(dfu.EngineError{Message: "the transfer helper exited without a result"})
	}

	log.WithError(err).Debug("transfer helper exited")
}

// parseEvent parses a line of output into an engine event.
func parseEvent(line string) (dfu.EngineEvent, error) {
	var m message
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return nil, err
	}

	switch m.Event {
	case eventEnablingBootloader:
		return dfu.EngineEnablingBootloader{}, nil

	case eventProgress:
		return dfu.EngineProgress{
			Percent:     m.Percent,
			SpeedKBs:    m.Speed,
			AvgSpeedKBs: m.AvgSpeed,
			Part:        m.Part,
			TotalParts:  m.Parts,
		}, nil

	case eventValidating:
		return dfu.EngineValidating{}, nil

	case eventCompleted:
		return dfu.EngineCompleted{}, nil

	case eventAborted:
		return dfu.EngineAborted{}, nil

	case eventError:
		return dfu.EngineError{Code: m.Code, Message: m.Message}, nil
	}

	return nil, fmt.Errorf("unknown event %q", m.Event)
}

// ringBuffer keeps the last bytes which were written to it.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) >= r.max {
		r.buf = append(r.buf[:0], p[len(p)-r.max:]...)
		return len(p), nil
	}

	if len(r.buf)+len(p) > r.max {
		r.buf = r.buf[len(r.buf)+len(p)-r.max:]
	}

	r.buf = append(r.buf, p...)

	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return string(r.buf)
}
