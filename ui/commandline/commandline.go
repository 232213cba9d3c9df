// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/roman-mg/multiband-hifigan/pkg/optim"
)

// SprintVariablesSummary returns the number of parameters and the memory used by the variables of
// each of the given scopes, one line per scope.
func SprintVariablesSummary(ctx *context.Context, scopes ...string) string {
	parts := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		var numParams int
		var memory uint64
		for _, v := range optim.VariablesIn(ctx, scope) {
			numParams += v.Shape().Size()
			memory += uint64(v.Shape().Memory())
		}
		parts = append(parts, fmt.Sprintf("%s: %s parameters (%s)", scope, humanize.Comma(int64(numParams)),
			humanize.IBytes(memory)))
	}
	return strings.Join(parts, "\n")
}

// ReportLine writes the periodic training line with the step, the generator total loss, the
// mel-spectrogram error and the seconds per batch.
func ReportLine(w io.Writer, step int64, genLossTotal, melError, secondsPerBatch float64) {
	_, _ = fmt.Fprintf(w, "Steps : %d, Gen Loss Total : %4.3f, Mel-Spec. Error : %4.3f, s/b : %4.3f\n",
		step, genLossTotal, melError, secondsPerBatch)
}
