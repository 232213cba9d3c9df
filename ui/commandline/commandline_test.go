// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("learning_rate", 2e-4)
	ctx.SetParam("batch_size", 16)
	ctx.SetParam("use_stft", true)
	ctx.SetParam("name", "v1")
	ctx.SetParam("upsample_rates", []int{8, 4, 2})
	ctx.SetParam("gammas", []float64{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx,
		"learning_rate=1e-4; batch_size=1_024;use_stft=false;name=v2;upsample_rates=4, 4,4;gammas=0.5,0.25;")
	require.NoError(t, err)
	require.Equal(t, []string{"learning_rate", "batch_size", "use_stft", "name", "upsample_rates", "gammas"}, paramsSet)
	assert.Equal(t, 1e-4, context.GetParamOr(ctx, "learning_rate", 0.0))
	assert.Equal(t, 1024, context.GetParamOr(ctx, "batch_size", 0))
	assert.False(t, context.GetParamOr(ctx, "use_stft", true))
	assert.Equal(t, "v2", context.GetParamOr(ctx, "name", ""))
	assert.Equal(t, []int{4, 4, 4}, context.GetParamOr(ctx, "upsample_rates", []int(nil)))
	assert.Equal(t, []float64{0.5, 0.25}, context.GetParamOr(ctx, "gammas", []float64(nil)))

	summary := SprintModifiedContextSettings(ctx, append(paramsSet, "batch_size"))
	assert.Contains(t, summary, `"batch_size": (int) 1024`)

	// Unknown parameter.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Wrong type of value.
	_, err = ParseContextSettings(ctx, "batch_size=3.14")
	require.Error(t, err)

	// Scoped parameters are not supported.
	_, err = ParseContextSettings(ctx, "/a/batch_size=3")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "batch_size")
	require.Error(t, err)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Fine-tuning settings.\nlearning_rate=1e-5\n\nbatch_size=4;use_stft=false\n"), 0o644))
	paramsSet, err := ParseContextSettings(ctx, "file:"+path+";name=ft")
	require.NoError(t, err)
	assert.Equal(t, []string{"learning_rate", "batch_size", "use_stft", "name"}, paramsSet)
	assert.Equal(t, 4, context.GetParamOr(ctx, "batch_size", 0))

	_, err = ParseContextSettings(ctx, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "2m4s", FormatDuration(2*time.Minute+3600*time.Millisecond))
}

func TestReportLine(t *testing.T) {
	var buf bytes.Buffer
	ReportLine(&buf, 1000, 52.12345, 0.4567, 0.25)
	assert.Equal(t, "Steps : 1000, Gen Loss Total : 52.123, Mel-Spec. Error : 0.457, s/b : 0.250\n", buf.String())
}
