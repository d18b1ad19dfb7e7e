package progress

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

/* Bar renders updates on a terminal */
type Bar struct {
	bar   *progressbar.ProgressBar
	phase string
}

func NewBar(w io.Writer, description string) *Bar {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionOnCompletion(func() {
			io.WriteString(w, "\n")
		}),
	)

	return &Bar{bar: bar, phase: description}
}

func (b *Bar) Report(u Update) {
	if u.Phase != "" && u.Phase != b.phase {
		b.phase = u.Phase
		b.bar.Describe(u.Phase)
	}
	b.bar.Set(int(u.Percentage))
}

func (b *Bar) Close() error {
	return b.bar.Finish()
}
