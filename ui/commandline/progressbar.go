// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/roman-mg/multiband-hifigan/pkg/adversarial"
	"github.com/roman-mg/multiband-hifigan/pkg/train"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each update of the progress bar, and it should return a name and the current value.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "hifigan.train.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the minimum time between redraws of the stats table.
const maxUpdateFrequency = time.Millisecond * 200

type progressBarUpdate struct {
	amount int
	rows   [][]string
}

// progressBar holds a progressbar being displayed.
type progressBar struct {
	stepsPerEpoch    int
	lastStepReported int64
	bar              *progressbar.ProgressBar

	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// AttachProgressBar creates a command-line progress bar and attaches it to the loop: it displays
// the progression of the remaining epochs, and a table with the latest losses.
//
// stepsPerEpoch is the number of batches of each epoch, used to estimate the total number of steps.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the table.
func AttachProgressBar(loop *train.Loop, stepsPerEpoch int, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		stepsPerEpoch:  stepsPerEpoch,
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
		updates:        make(chan progressBarUpdate, 100),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()

	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEpochEnd(ProgressBarName, 0, func(loop *train.Loop, _ int, _ time.Duration) error {
		pBar.report(loop, nil, loop.State.Step)
		return nil
	})
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

func (pBar *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pBar.lastStepReported = loop.State.Step
	numSteps := max(1, (loop.Epochs-max(0, loop.State.Epoch))*pBar.stepsPerEpoch)
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, losses *adversarial.LossBundle) error {
	// +1 because the current step is finished.
	pBar.report(loop, losses, loop.State.Step+1)
	return nil
}

// report enqueues an update covering the steps up to nextStep (exclusive).
func (pBar *progressBar) report(loop *train.Loop, losses *adversarial.LossBundle, nextStep int64) {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return
	}
	amount := int(nextStep - pBar.lastStepReported)
	if amount <= 0 {
		return
	}
	update := progressBarUpdate{amount: amount}
	update.rows = append(update.rows,
		[]string{"Step", humanize.Comma(nextStep - 1)},
		[]string{"Epoch", fmt.Sprintf("%d of %d", loop.State.Epoch+1, loop.Epochs)},
		[]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
	)
	genOptimizer, _ := loop.Trainer.Optimizers()
	if lr, err := genOptimizer.LearningRate(loop.State.Context()); err == nil {
		update.rows = append(update.rows, []string{"Learning rate", fmt.Sprintf("%.3g", lr)})
	}
	if losses != nil {
		for _, name := range losses.Names() {
			value, _ := losses.Get(name)
			update.rows = append(update.rows, []string{name, fmt.Sprintf("%.4f", value)})
		}
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, []string{name, value})
	}
	pBar.lastStepReported = nextStep
	pBar.updates <- update
}

// coalesce merges the updates already waiting in the queue into update: the amounts are added and
// the latest rows are kept.
func (pBar *progressBar) coalesce(update progressBarUpdate) progressBarUpdate {
	for {
		select {
		case next, ok := <-pBar.updates:
			if !ok {
				return update
			}
			next.amount += update.amount
			update = next
		default:
			return update
		}
	}
}

// drawUpdates draws the enqueued updates asynchronously, so a slow terminal doesn't slow down training.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		update = pBar.coalesce(update)
		pBar.statsTable.Data(lgtable.NewStringData(update.rows...))

		// Overwrite the lines of the previous update.
		pBar.termenv.HideCursor()
		if pBar.numLinesPrinted > 0 {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(update.amount)
		fmt.Println()
		// Table rows, its two borders and the progress bar line.
		pBar.numLinesPrinted = len(update.rows) + 2 + 1
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onEnd(_ *train.Loop) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}
