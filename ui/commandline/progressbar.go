// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/eva4/s11net/pkg/trainer"
	"github.com/gomlx/gomlx/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// maxUpdateFrequency is the minimum time between two redraws of the progress bar.
const maxUpdateFrequency = time.Millisecond * 200

// Progress implements trainer.Progress with a progress bar on the terminal.
//
// Updates are sent through a buffered channel and drawn asynchronously, so training is not slowed
// down by a slow terminal (e.g. over a remote connection).
type Progress struct {
	out        io.Writer
	termenv    *termenv.Output
	inNotebook bool

	bar          *progressbar.ProgressBar
	updates      chan progressUpdate
	asyncDrawing sync.WaitGroup
}

var _ trainer.Progress = (*Progress)(nil)

type progressUpdate struct {
	amount      int
	description string
	message     string
}

// NewProgress creates a Progress that writes to out. If out is nil it uses os.Stdout.
func NewProgress(out io.Writer) *Progress {
	p := &Progress{out: out, inNotebook: notebooks.IsNotebook()}
	if p.out == nil {
		p.out = os.Stdout
		if !p.inNotebook {
			p.termenv = termenv.NewOutput(os.Stdout)
		}
	}
	return p
}

// Start implements trainer.Progress.
func (p *Progress) Start(total int, description string) {
	if p.bar != nil {
		p.Finish()
	}
	if total <= 0 {
		total = -1 // Unknown length: it shows a spinner.
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionUseANSICodes(p.termenv != nil),
		progressbar.OptionEnableColorCodes(p.termenv != nil),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("batches"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionThrottle(maxUpdateFrequency),
	)
	if p.termenv != nil {
		p.termenv.HideCursor()
	}
	p.updates = make(chan progressUpdate, 100) // Large buffer so training is not blocked.
	p.asyncDrawing.Add(1)
	go p.draw(p.bar, p.updates)
}

// draw consumes the updates until the channel is closed.
func (p *Progress) draw(bar *progressbar.ProgressBar, updates <-chan progressUpdate) {
	defer p.asyncDrawing.Done()
	for update := range updates {
		if update.message != "" {
			_, _ = progressbar.Bprintln(bar, update.message)
		}
		if update.amount == 0 {
			continue
		}
		// Exhaust the updates already in the buffer, and draw only once.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				if newUpdate.message != "" {
					_, _ = progressbar.Bprintln(bar, newUpdate.message)
				}
				amount += newUpdate.amount
				if newUpdate.description != "" {
					update.description = newUpdate.description
				}
			default:
				break exhaust
			}
		}
		if update.description != "" {
			bar.Describe(update.description)
		}
		_ = bar.Add(amount)
	}
}

// Update implements trainer.Progress.
func (p *Progress) Update(description string) {
	if p.updates == nil {
		return
	}
	p.updates <- progressUpdate{amount: 1, description: description}
}

// Finish implements trainer.Progress.
func (p *Progress) Finish() {
	if p.updates == nil {
		return
	}
	close(p.updates)
	p.asyncDrawing.Wait()
	_ = p.bar.Finish()
	_, _ = fmt.Fprintln(p.out)
	if p.termenv != nil {
		p.termenv.ShowCursor()
	}
	p.bar, p.updates = nil, nil
}

// Printf implements trainer.Progress. While a progress bar is displayed the line is written above it.
func (p *Progress) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.updates == nil {
		_, _ = fmt.Fprintln(p.out, msg)
		return
	}
	p.updates <- progressUpdate{message: msg}
}
