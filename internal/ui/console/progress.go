package console

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// NewStepsBar creates a progress bar over numSteps training steps, written to w.
func NewStepsBar(w io.Writer, numSteps int) *progressbar.ProgressBar {
	return progressbar.NewOptions(numSteps,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
