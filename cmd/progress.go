package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/darkhz/bluedfu/api/dfu"
)

// stage describes a session state as it is presented to the user.
type stage struct {
	Label       string
	Percent     int
	SpeedKBs    float64
	Part        uint32
	TotalParts  uint32
	Determinate bool
	Terminal    bool
}

// stageOf returns the presentation of the session state.
func stageOf(state dfu.SessionState) stage {
	switch s := state.(type) {
	case dfu.Idle:
		return stage{Label: "Idle"}

	case dfu.Starting:
		return stage{Label: "Connecting"}

	case dfu.EnablingBootloaderMode:
		return stage{Label: "Enabling bootloader mode"}

	case dfu.Uploading:
		return stage{
			Label:       "Uploading",
			Percent:     s.Percent,
			SpeedKBs:    s.AverageSpeedKBs,
			Part:        s.CurrentPart,
			TotalParts:  s.TotalParts,
			Determinate: true,
		}

	case dfu.Validating:
		return stage{Label: "Validating", Percent: 100, Determinate: true}

	case dfu.Completed:
		return stage{Label: "Completed", Percent: 100, Determinate: true, Terminal: true}

	case dfu.Aborted:
		return stage{Label: "Aborted", Terminal: true}

	case dfu.Failed:
		return stage{Label: "Failed: " + titleCase(s.Code.String()), Terminal: true}
	}

	return stage{Label: "Unknown"}
}

// String returns a single-line description of the stage.
func (s stage) String() string {
	text := s.description()
	if s.Determinate && !s.Terminal {
		text += " " + strconv.Itoa(s.Percent) + "%"
	}
	if s.SpeedKBs > 0 {
		text += fmt.Sprintf(" (%.1f kB/s)", s.SpeedKBs)
	}

	return text
}

// description returns the label of the stage, with the part being
// uploaded for multi-part firmware.
func (s stage) description() string {
	if s.TotalParts > 1 {
		return fmt.Sprintf("%s part %d/%d", s.Label, s.Part, s.TotalParts)
	}

	return s.Label
}

// progressView renders the session states on the screen.
type progressView struct {
	out   io.Writer
	plain bool

	bar  *progressbar.ProgressBar
	last string
}

// newProgressView returns a new progress view. If plain is set,
// every stage is printed on its own line instead of a progress bar.
func newProgressView(out io.Writer, plain bool) *progressView {
	p := &progressView{out: out, plain: plain}
	if plain {
		return p
	}

	p.bar = progressbar.NewOptions64(
		100,
		progressbar.OptionSetDescription(stageOf(dfu.Idle{}).description()),
		progressbar.OptionSpinnerType(34),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionThrottle(200*time.Millisecond),
	)

	return p
}

// update renders the session state.
func (p *progressView) update(state dfu.SessionState) {
	st := stageOf(state)

	if p.plain {
		if line := st.String(); line != p.last {
			fmt.Fprintln(p.out, line)
			p.last = line
		}

		return
	}

	p.bar.Describe(st.description())
	if st.Determinate {
		_ = p.bar.Set(st.Percent)
	}

	if st.Terminal {
		if _, ok := state.(dfu.Completed); ok {
			_ = p.bar.Finish()
		}

		fmt.Fprintln(p.out)
	}
}
