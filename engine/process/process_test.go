package process

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/engine"
)

const helperEnv = "BLUEDFU_WANT_HELPER_PROCESS"

// TestHelperProcess is not a real test. It is run as the transfer helper
// by the other tests, and behaves according to its mode argument.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch mode, rest := args[1], args[2:]; mode {
	case "success":
		fmt.Println("connecting to device")
		fmt.Println(`{"event": "enabling_bootloader"}`)
		fmt.Println(`{"event": "progress", "percent": 50, "speed": 8.5, "avg_speed": 8.1, "part": 1, "parts": 1}`)
		fmt.Println(`{"event": "progress", "percent": 100, "part": 1, "parts": 1}`)
		fmt.Println(`{"event": "validating"}`)
		fmt.Println(`{"event": "completed"}`)

	case "error":
		fmt.Println(`{"event": "error", "code": 4098, "message": "file error"}`)

	case "exit":
		fmt.Fprintln(os.Stderr, "adapter not found")
		os.Exit(3)

	case "args":
		fmt.Printf("{\"event\": \"error\", \"message\": %q}\n", strings.Join(rest, " "))

	case "hang":
		fmt.Println(`{"event": "enabling_bootloader"}`)
		time.Sleep(time.Minute)
	}
}

func newHelperEngine(mode string) *Engine {
	return New(os.Args[0], []string{"-test.run=TestHelperProcess", "--", mode}, WithEnv(helperEnv+"=1"))
}

func collect(t *testing.T, e *Engine, opts ...func(engine.Handle)) []dfu.EngineEvent {
	t.Helper()

	events := make(chan dfu.EngineEvent, 16)
	handle, err := e.Start(engine.Request{
		Device:   dfu.TargetDevice{Address: "C4:5B:21:07:9E:11"},
		Firmware: dfu.FirmwarePackage{Handle: "/tmp/app.zip"},
		Options:  dfu.DefaultTransferOptions(),
	}, func(ev dfu.EngineEvent) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for _, opt := range opts {
		opt(handle)
	}

	var collected []dfu.EngineEvent
	for {
		select {
		case ev := <-events:
			collected = append(collected, ev)
			if engine.IsTerminal(ev) {
				return collected
			}

		case <-time.After(10 * time.Second):
			t.Fatalf("timed out, got %v", collected)
		}
	}
}

func TestEngineSuccess(t *testing.T) {
	got := collect(t, newHelperEngine("success"))

	want := []dfu.EngineEvent{
		dfu.EngineEnablingBootloader{},
		dfu.EngineProgress{Percent: 50, SpeedKBs: 8.5, AvgSpeedKBs: 8.1, Part: 1, TotalParts: 1},
		dfu.EngineProgress{Percent: 100, Part: 1, TotalParts: 1},
		dfu.EngineValidating{},
		dfu.EngineCompleted{},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEngineError(t *testing.T) {
	got := collect(t, newHelperEngine("error"))

	want := dfu.EngineError{Code: dfu.CodeFileError, Message: "file error"}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestEngineExitFailure(t *testing.T) {
	got := collect(t, newHelperEngine("exit"))

	ev, ok := got[len(got)-1].(dfu.EngineError)
	if !ok || !strings.Contains(ev.Message, "adapter not found") {
		t.Fatalf("expected the helper's error output to be reported, got %v", got)
	}
}

func TestEngineArguments(t *testing.T) {
	got := collect(t, newHelperEngine("args"))

	ev, ok := got[0].(dfu.EngineError)
	if !ok {
		t.Fatalf("unexpected events %v", got)
	}

	want := "--address C4:5B:21:07:9E:11 --file /tmp/app.zip " + strings.Join(dfu.DefaultTransferOptions().Args(), " ")
	if ev.Message != want {
		t.Fatalf("expected arguments %q, got %q", want, ev.Message)
	}
}

func TestEngineCancel(t *testing.T) {
	e := newHelperEngine("hang")

	got := collect(t, e, func(handle engine.Handle) {
		if err := e.Cancel(handle); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
	})

	if _, ok := got[len(got)-1].(dfu.EngineAborted); !ok {
		t.Fatalf("expected the transfer to be aborted, got %v", got)
	}
}

func TestEngineStartFailure(t *testing.T) {
	e := New("/does/not/exist/dfu-helper", nil)

	_, err := e.Start(engine.Request{}, func(dfu.EngineEvent) {})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestParseEvent(t *testing.T) {
	for _, line := range []string{"not json", `{"event": "rebooting"}`, `{}`} {
		if _, err := parseEvent(line); err == nil {
			t.Errorf("expected %q to be rejected", line)
		}
	}
}
