package session

import (
	"testing"

	"github.com/darkhz/bluedfu/api/dfu"
)

func TestApply(t *testing.T) {
	uploading := func(percent int, part uint32) dfu.Uploading {
		return dfu.Uploading{Percent: percent, CurrentPart: part, TotalParts: 2}
	}
	progress := func(percent int, part uint32) dfu.EngineProgress {
		return dfu.EngineProgress{Percent: percent, Part: part, TotalParts: 2}
	}

	tests := []struct {
		name    string
		current dfu.SessionState
		event   dfu.Event
		want    dfu.SessionState
		changed bool
		anomaly bool
	}{
		{"start from idle", dfu.Idle{}, dfu.StartRequested{}, dfu.Starting{}, true, false},
		{"start while starting", dfu.Starting{}, dfu.StartRequested{}, dfu.Starting{}, false, false},
		{"start while completed", dfu.Completed{}, dfu.StartRequested{}, dfu.Completed{}, false, false},

		{"bootloader from starting", dfu.Starting{}, dfu.EngineEnablingBootloader{}, dfu.EnablingBootloaderMode{}, true, false},
		{"bootloader while uploading", uploading(10, 1), dfu.EngineEnablingBootloader{}, uploading(10, 1), false, false},

		{"progress from starting", dfu.Starting{}, progress(0, 1), uploading(0, 1), true, false},
		{"progress from bootloader", dfu.EnablingBootloaderMode{}, progress(5, 1), uploading(5, 1), true, false},
		{"progress forward", uploading(10, 1), progress(40, 1), uploading(40, 1), true, false},
		{"progress next part", uploading(90, 1), progress(3, 2), uploading(3, 2), true, false},
		{"progress backwards", uploading(40, 1), progress(25, 1), uploading(40, 1), false, true},
		{"progress previous part", uploading(3, 2), progress(95, 1), uploading(3, 2), false, true},
		{"progress repeated", uploading(40, 1), progress(40, 1), uploading(40, 1), false, false},
		{"progress clamped", dfu.Starting{}, progress(140, 1), uploading(100, 1), true, false},
		{"progress while validating", dfu.Validating{}, progress(100, 2), dfu.Validating{}, false, false},

		{"validating from uploading", uploading(100, 2), dfu.EngineValidating{}, dfu.Validating{}, true, false},
		{"validating from starting", dfu.Starting{}, dfu.EngineValidating{}, dfu.Starting{}, false, false},

		{"completed from validating", dfu.Validating{}, dfu.EngineCompleted{}, dfu.Completed{}, true, false},
		{"completed from uploading", uploading(100, 2), dfu.EngineCompleted{}, dfu.Completed{}, true, false},
		{"completed from starting", dfu.Starting{}, dfu.EngineCompleted{}, dfu.Starting{}, false, false},

		{"engine aborted", uploading(30, 1), dfu.EngineAborted{}, dfu.Aborted{}, true, false},
		{"engine error", dfu.EnablingBootloaderMode{}, dfu.EngineError{Code: dfu.CodeDeviceDisconnected},
			dfu.Categorize(dfu.EngineError{Code: dfu.CodeDeviceDisconnected}), true, false},

		{"abort while validating", dfu.Validating{}, dfu.Abort{}, dfu.Aborted{}, true, false},
		{"abort while idle", dfu.Idle{}, dfu.Abort{}, dfu.Idle{}, false, false},
		{"abort while failed", dfu.Failed{Message: "x"}, dfu.Abort{}, dfu.Failed{Message: "x"}, false, false},

		{"reset from completed", dfu.Completed{}, dfu.Reset{}, dfu.Idle{}, true, false},
		{"reset from aborted", dfu.Aborted{}, dfu.Reset{}, dfu.Idle{}, true, false},
		{"reset while uploading", uploading(1, 1), dfu.Reset{}, uploading(1, 1), false, false},

		{"progress after completed", dfu.Completed{}, progress(50, 1), dfu.Completed{}, false, false},
		{"error after aborted", dfu.Aborted{}, dfu.EngineError{Code: dfu.CodeFileError}, dfu.Aborted{}, false, false},
		{"completed after failed", dfu.Failed{Message: "x"}, dfu.EngineCompleted{}, dfu.Failed{Message: "x"}, false, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Apply(test.current, test.event)

			if got.State != test.want {
				t.Errorf("expected state %#v, got %#v", test.want, got.State)
			}
			if got.Changed != test.changed {
				t.Errorf("expected changed=%v, got %v", test.changed, got.Changed)
			}
			if got.Anomaly != test.anomaly {
				t.Errorf("expected anomaly=%v, got %v", test.anomaly, got.Anomaly)
			}
		})
	}
}

func TestApplyMonotonicProgress(t *testing.T) {
	var (
		state     dfu.SessionState = dfu.Starting{}
		published []int
		anomalies int
	)

	for _, percent := range []int{10, 40, 25, 70} {
		transition := Apply(state, dfu.EngineProgress{Percent: percent, Part: 1, TotalParts: 1})
		if transition.Anomaly {
			anomalies++
		}
		if transition.Changed {
			published = append(published, transition.State.(dfu.Uploading).Percent)
		}

		state = transition.State
	}

	want := []int{10, 40, 70}
	if len(published) != len(want) {
		t.Fatalf("expected %v, got %v", want, published)
	}
	for i := range want {
		if published[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, published)
		}
	}

	if anomalies != 1 {
		t.Fatalf("expected 1 anomaly, got %d", anomalies)
	}
}
