package session_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/darkhz/bluedfu/api/dfu"
	"github.com/darkhz/bluedfu/api/errorkinds"
	"github.com/darkhz/bluedfu/api/eventbus"
	"github.com/darkhz/bluedfu/engine"
	"github.com/darkhz/bluedfu/engine/enginetest"
	"github.com/darkhz/bluedfu/session"
)

const testFile = "/firmware/app_dfu_package.zip"

var (
	testDevice   = dfu.TargetDevice{Address: "C4:5B:21:07:9E:11", DisplayName: "DfuTarg"}
	testFirmware = dfu.FirmwarePackage{Handle: testFile, DisplayName: "app_dfu_package.zip", SizeBytes: 4096}
)

type mapResolver map[string]dfu.FirmwarePackage

func (m mapResolver) Resolve(reference string) (dfu.FirmwarePackage, error) {
	firmware, ok := m[reference]
	if !ok {
		return dfu.FirmwarePackage{}, errorkinds.ErrFileUnreadable
	}

	return firmware, nil
}

type recorder struct {
	mu       sync.Mutex
	selected []dfu.FirmwarePackage
	started  []string
	finished map[string]dfu.SessionState
}

func (r *recorder) FileSelected(firmware dfu.FirmwarePackage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.selected = append(r.selected, firmware)
}

func (r *recorder) TransferStarted(sessionID string, _ dfu.TargetDevice, _ dfu.FirmwarePackage, _ dfu.TransferOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = append(r.started, sessionID)
}

func (r *recorder) TransferFinished(sessionID string, result dfu.SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished == nil {
		r.finished = make(map[string]dfu.SessionState)
	}
	r.finished[sessionID] = result
}

func newTestController(t *testing.T, opts ...session.Option) (*session.Controller, *enginetest.Spy) {
	t.Helper()

	spy := enginetest.New()
	resolver := mapResolver{
		testFile:         testFirmware,
		"/firmware/b.zip": {Handle: "/firmware/b.zip", DisplayName: "b.zip", SizeBytes: 10},
	}

	c := session.NewController(resolver, engine.NewAdapter(spy), opts...)
	t.Cleanup(c.Close)

	return c, spy
}

func newReadyController(t *testing.T, opts ...session.Option) (*session.Controller, *enginetest.Spy) {
	t.Helper()

	c, spy := newTestController(t, opts...)
	if err := c.SelectFile(testFile); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}
	if err := c.SelectDevice(testDevice); err != nil {
		t.Fatalf("SelectDevice failed: %v", err)
	}

	return c, spy
}

// next waits for the next published state.
func next(t *testing.T, sub eventbus.Subscription) dfu.SessionState {
	t.Helper()

	select {
	case state, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}

		return state

	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a state change")
	}

	return nil
}

// expectStates waits for the provided states to be published, in order.
func expectStates(t *testing.T, sub eventbus.Subscription, want ...dfu.SessionState) {
	t.Helper()

	for i, w := range want {
		if got := next(t, sub); got != w {
			t.Fatalf("state %d: expected %#v, got %#v", i, w, got)
		}
	}
}

// expectNoStates checks that no state is published for a short while.
func expectNoStates(t *testing.T, sub eventbus.Subscription) {
	t.Helper()

	select {
	case state := <-sub.C:
		t.Fatalf("unexpected state change %#v", state)

	case <-time.After(100 * time.Millisecond):
	}
}

func uploading(percent int) dfu.Uploading {
	return dfu.Uploading{Percent: percent, CurrentPart: 1, TotalParts: 1}
}

func progress(percent int) dfu.EngineProgress {
	return dfu.EngineProgress{Percent: percent, Part: 1, TotalParts: 1}
}

func TestHappyPath(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectStates(t, sub, dfu.Starting{})

	spy.Emit(
		dfu.EngineEnablingBootloader{},
		progress(0),
		progress(50),
		progress(100),
		dfu.EngineValidating{},
		dfu.EngineCompleted{},
	)

	expectStates(t, sub,
		dfu.EnablingBootloaderMode{},
		uploading(0),
		uploading(50),
		uploading(100),
		dfu.Validating{},
		dfu.Completed{},
	)

	if state := c.CurrentState(); state != (dfu.Completed{}) {
		t.Fatalf("expected completed, got %#v", state)
	}
	if spy.Releases() != 1 {
		t.Fatalf("expected the transfer to be released once, got %d", spy.Releases())
	}
}

func TestStartIsSingleFlight(t *testing.T) {
	c, spy := newReadyController(t)

	const callers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := c.Start(dfu.DefaultTransferOptions())

			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var started int
	for _, err := range errs {
		switch {
		case err == nil:
			started++

		case !errors.Is(err, errorkinds.ErrSessionInProgress) || !errors.Is(err, errorkinds.ErrNotReady):
			t.Fatalf("expected a session in progress error, got %v", err)
		}
	}

	if started != 1 {
		t.Fatalf("expected exactly one start to succeed, got %d", started)
	}
	if spy.Starts() != 1 {
		t.Fatalf("expected the engine to be started once, got %d", spy.Starts())
	}
}

func TestTerminalStateIsImmutable(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(progress(100), dfu.EngineCompleted{})
	expectStates(t, sub, dfu.Starting{}, uploading(100), dfu.Completed{})

	spy.Emit(
		progress(20),
		dfu.EngineError{Code: dfu.CodeDeviceDisconnected},
		dfu.EngineAborted{},
		dfu.EngineCompleted{},
	)

	expectNoStates(t, sub)
	if state := c.CurrentState(); state != (dfu.Completed{}) {
		t.Fatalf("expected completed, got %#v", state)
	}

	if err := c.Start(dfu.DefaultTransferOptions()); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Fatalf("expected start to be rejected before reset, got %v", err)
	}
}

func TestMonotonicProgress(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(progress(10), progress(40), progress(25), progress(70))

	expectStates(t, sub, dfu.Starting{}, uploading(10), uploading(40), uploading(70))

	if n := c.Anomalies(); n != 1 {
		t.Fatalf("expected 1 anomaly, got %d", n)
	}
}

func TestResourcesReleasedOnce(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(dfu.EngineError{Code: dfu.CodeServiceNotFound})

	state := next(t, sub)
	if _, ok := state.(dfu.Starting); !ok {
		t.Fatalf("expected starting, got %#v", state)
	}
	if failed, ok := next(t, sub).(dfu.Failed); !ok || failed.Code != dfu.ErrorServiceNotFound {
		t.Fatalf("expected a service not found failure, got %#v", failed)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	expectStates(t, sub, dfu.Idle{})

	c.Abort()

	if spy.Releases() != 1 {
		t.Fatalf("expected 1 release, got %d", spy.Releases())
	}
	if spy.Cancels() != 0 {
		t.Fatalf("expected abort after reset to be a no-op, got %d cancels", spy.Cancels())
	}
	if state := c.CurrentState(); state != (dfu.Idle{}) {
		t.Fatalf("expected idle, got %#v", state)
	}
	expectNoStates(t, sub)
}

func TestReleasedBeforeTerminalState(t *testing.T) {
	tests := []struct {
		name  string
		event dfu.EngineEvent
		want  dfu.SessionState
	}{
		{"completed", dfu.EngineCompleted{}, dfu.Completed{}},
		{"aborted", dfu.EngineAborted{}, dfu.Aborted{}},
		{"failed", dfu.EngineError{Code: dfu.CodeDeviceDisconnected}, dfu.Categorize(dfu.EngineError{Code: dfu.CodeDeviceDisconnected})},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			for range 20 {
				c, spy := newReadyController(t)
				sub := c.Subscribe()

				if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
					t.Fatalf("Start failed: %v", err)
				}
				spy.Emit(progress(50), test.event)
				expectStates(t, sub, dfu.Starting{}, uploading(50), test.want)

				if spy.Releases() != 1 {
					t.Fatalf("expected the transfer to be released before %#v was published, got %d releases",
						test.want, spy.Releases())
				}

				c.Close()
			}
		})
	}
}

func TestResetClearsSelection(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(dfu.EngineAborted{})
	expectStates(t, sub, dfu.Starting{}, dfu.Aborted{})

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if _, _, hasFile, hasDevice := c.Selection(); hasFile || hasDevice {
		t.Fatalf("expected the selection to be cleared, got file=%v device=%v", hasFile, hasDevice)
	}
	if err := c.Start(dfu.DefaultTransferOptions()); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Fatalf("expected a not ready error, got %v", err)
	}
}

func TestResetRequiresTerminalState(t *testing.T) {
	c, _ := newReadyController(t)

	if err := c.Reset(); !errors.Is(err, errorkinds.ErrSessionNotTerminal) {
		t.Fatalf("expected reset from idle to fail, got %v", err)
	}

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Reset(); !errors.Is(err, errorkinds.ErrSessionNotTerminal) {
		t.Fatalf("expected reset while starting to fail, got %v", err)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	c, spy := newReadyController(t)

	options := dfu.DefaultTransferOptions()
	options.PacketsReceiptNotification = true
	options.NumberOfPackets = 12

	if err := c.Start(options); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	requests := spy.Requests()
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}

	got := requests[0]
	if got.Options != options {
		t.Fatalf("expected options %+v, got %+v", options, got.Options)
	}
	if !got.Options.PacketsReceiptNotification || got.Options.NumberOfPackets != 12 {
		t.Fatalf("unexpected options %+v", got.Options)
	}
	if got.Device != testDevice || got.Firmware != testFirmware {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestAbortMidUpload(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(progress(30))
	expectStates(t, sub, dfu.Starting{}, uploading(30))

	c.Abort()
	expectStates(t, sub, dfu.Aborted{})

	if spy.Cancels() != 1 {
		t.Fatalf("expected 1 cancel, got %d", spy.Cancels())
	}

	spy.Emit(progress(60), dfu.EngineAborted{})
	expectNoStates(t, sub)

	if state := c.CurrentState(); state != (dfu.Aborted{}) {
		t.Fatalf("expected aborted, got %#v", state)
	}

	c.Abort()
	if spy.Cancels() != 1 {
		t.Fatalf("expected a second abort to be a no-op, got %d cancels", spy.Cancels())
	}
}

func TestUnsubscribedObserverDoesNotBlockAbort(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)

		for percent := 0; percent <= 100; percent++ {
			spy.Emit(progress(percent))
		}
	}()

	time.Sleep(100 * time.Millisecond)
	sub.Unsubscribe()

	aborted := make(chan struct{})
	go func() {
		defer close(aborted)
		c.Abort()
	}()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("abort is blocked, state %#v", c.CurrentState())
	}

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("the engine is blocked after the transfer was aborted")
	}

	if state := c.CurrentState(); state != (dfu.Aborted{}) {
		t.Fatalf("expected aborted, got %#v", state)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.Close()
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close is blocked")
	}
}

func TestAbortWhileIdle(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	c.Abort()

	expectNoStates(t, sub)
	if spy.Cancels() != 0 {
		t.Fatalf("expected no cancel, got %d", spy.Cancels())
	}
}

func TestStartWithoutDevice(t *testing.T) {
	c, spy := newTestController(t)
	if err := c.SelectFile(testFile); err != nil {
		t.Fatalf("SelectFile failed: %v", err)
	}

	if err := c.Start(dfu.DefaultTransferOptions()); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Fatalf("expected a not ready error, got %v", err)
	}
	if spy.Starts() != 0 {
		t.Fatalf("expected no engine call, got %d", spy.Starts())
	}
	if state := c.CurrentState(); state != (dfu.Idle{}) {
		t.Fatalf("expected idle, got %#v", state)
	}
}

func TestStartWithoutFile(t *testing.T) {
	c, spy := newTestController(t)
	if err := c.SelectDevice(testDevice); err != nil {
		t.Fatalf("SelectDevice failed: %v", err)
	}

	if err := c.Start(dfu.DefaultTransferOptions()); !errors.Is(err, errorkinds.ErrNotReady) {
		t.Fatalf("expected a not ready error, got %v", err)
	}
	if spy.Starts() != 0 {
		t.Fatalf("expected no engine call, got %d", spy.Starts())
	}
}

func TestEngineStartFailure(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()
	spy.FailNextStart()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("expected start failures to surface as a state, got %v", err)
	}

	expectStates(t, sub, dfu.Starting{})
	failed, ok := next(t, sub).(dfu.Failed)
	if !ok || failed.Code != dfu.ErrorEngineStart {
		t.Fatalf("expected an engine start failure, got %#v", failed)
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	expectStates(t, sub, dfu.Idle{})
}

func TestEngineErrorIsCategorized(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(dfu.EngineError{Code: dfu.CodeRemoteMask | dfu.CodeInvalidObject, Message: "remote error"})

	expectStates(t, sub, dfu.Starting{})
	failed, ok := next(t, sub).(dfu.Failed)
	if !ok || failed.Code != dfu.ErrorInvalidObject {
		t.Fatalf("expected an invalid object failure, got %#v", failed)
	}
}

func TestSelectFileUnreadable(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.SelectFile("/does/not/exist.zip"); !errors.Is(err, errorkinds.ErrFileUnreadable) {
		t.Fatalf("expected an unreadable file error, got %v", err)
	}
	if _, _, hasFile, _ := c.Selection(); hasFile {
		t.Fatal("expected no file to be selected")
	}
}

func TestSelectionDuringSession(t *testing.T) {
	c, _ := newReadyController(t)

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := c.SelectFile("/firmware/b.zip"); !errors.Is(err, errorkinds.ErrSessionInProgress) {
		t.Fatalf("expected file selection to be rejected, got %v", err)
	}
	if err := c.SelectDevice(dfu.TargetDevice{Address: "00:11:22:33:44:55"}); !errors.Is(err, errorkinds.ErrSessionInProgress) {
		t.Fatalf("expected device selection to be rejected, got %v", err)
	}

	firmware, device, _, _ := c.Selection()
	if firmware != testFirmware || device != testDevice {
		t.Fatalf("expected the selection to be unchanged, got %+v %+v", firmware, device)
	}
}

func TestSelectFileDevicePolicy(t *testing.T) {
	tests := []struct {
		name       string
		opts       []session.Option
		wantDevice bool
	}{
		{"keeps device", nil, true},
		{"clears device", []session.Option{session.WithClearDeviceOnFileSelect(true)}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, _ := newReadyController(t, test.opts...)

			if err := c.SelectFile("/firmware/b.zip"); err != nil {
				t.Fatalf("SelectFile failed: %v", err)
			}

			firmware, _, _, hasDevice := c.Selection()
			if firmware.DisplayName != "b.zip" {
				t.Fatalf("expected the new file to be selected, got %+v", firmware)
			}
			if hasDevice != test.wantDevice {
				t.Fatalf("expected device selected=%v, got %v", test.wantDevice, hasDevice)
			}
		})
	}
}

func TestRecorder(t *testing.T) {
	rec := &recorder{}
	c, spy := newReadyController(t, session.WithRecorder(rec))
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spy.Emit(progress(100), dfu.EngineCompleted{})
	expectStates(t, sub, dfu.Starting{}, uploading(100), dfu.Completed{})

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.selected) != 1 || rec.selected[0] != testFirmware {
		t.Fatalf("unexpected selected files %+v", rec.selected)
	}
	if len(rec.started) != 1 {
		t.Fatalf("expected 1 started session, got %d", len(rec.started))
	}
	if result := rec.finished[rec.started[0]]; result != (dfu.Completed{}) {
		t.Fatalf("expected the session to finish as completed, got %#v", result)
	}
}

func TestClose(t *testing.T) {
	c, spy := newReadyController(t)
	sub := c.Subscribe()

	if err := c.Start(dfu.DefaultTransferOptions()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	expectStates(t, sub, dfu.Starting{})

	c.Close()

	if spy.Cancels() != 1 || spy.Releases() != 1 {
		t.Fatalf("expected the active transfer to be cancelled and released, got %d/%d",
			spy.Cancels(), spy.Releases())
	}
	if err := c.Start(dfu.DefaultTransferOptions()); !errors.Is(err, errorkinds.ErrControllerClosed) {
		t.Fatalf("expected a closed controller error, got %v", err)
	}

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatal("expected the subscription to be closed")
		}

	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not closed")
	}
}
