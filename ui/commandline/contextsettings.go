// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/pkg/errors"
)

// ParseContextSettings overrides hyperparameters of ctx from settings, typically the value of the
// "-set" flag: a list of "param=value" separated by ";", e.g. "learning_rate=1e-4;use_stft=false".
//
// Every param must already be set in the root scope of ctx: its current value defines the type
// the new value is parsed to. Integers may use "_" as a digit separator (1_000). Lists are
// separated by ",".
//
// A setting "file:<path>" reads more settings from the file, one or more per line, skipping lines
// starting with "#".
//
// It returns the names of the parameters set, in order.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		return parseSettingsFile(ctx, fsutil.MustReplaceTildeInDir(filePath), paramsSet)
	}

	key, valueStr, ok := strings.Cut(setting, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return nil, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	if strings.Contains(key, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set %q: only root scope parameters can be set", key)
	}
	current, found := ctx.GetParam(key)
	if !found {
		return nil, errors.Errorf("can't set %q: unknown parameter", key)
	}
	value, err := parseValueLike(current, strings.TrimSpace(valueStr))
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing value %q for parameter %q (current value is %#v)",
			valueStr, key, current)
	}
	ctx.SetParam(key, value)
	return append(paramsSet, key), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings from %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return nil, err
			}
		}
	}
	return paramsSet, nil
}

// parseValueLike parses valueStr to the type of current.
func parseValueLike(current any, valueStr string) (value any, err error) {
	switch current.(type) {
	case int:
		var v int
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case int64:
		var v int64
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		value = v
	case float64:
		var v float64
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case bool:
		var v bool
		err = json.Unmarshal([]byte(valueStr), &v)
		value = v
	case string:
		value = valueStr
	case []int:
		value = xslices.Map(splitList(valueStr), func(str string) int {
			var v int
			if newErr := json.Unmarshal([]byte(strings.ReplaceAll(str, "_", "")), &v); newErr != nil {
				err = newErr
			}
			return v
		})
	case []float64:
		value = xslices.Map(splitList(valueStr), func(str string) float64 {
			var v float64
			if newErr := json.Unmarshal([]byte(str), &v); newErr != nil {
				err = newErr
			}
			return v
		})
	default:
		err = errors.Errorf("parameters of type %T can't be set", current)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func splitList(valueStr string) []string {
	if valueStr == "" {
		return nil
	}
	parts := strings.Split(valueStr, ",")
	for ii := range parts {
		parts[ii] = strings.TrimSpace(parts[ii])
	}
	return parts
}

// CreateContextSettingsFlag creates a string flag (named "set" if flagName is empty) whose usage
// lists the root scope parameters of ctx. Create it before flag.Parse and pass its value to
// ParseContextSettings.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Override hyperparameters of the configuration file: a list of "param=value" separated by ";". ` +
			`An entry "file:<path>" reads settings from the file, one or more per line. Available parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	return flag.String(flagName, "", strings.Join(parts, "\n"))
}

// SprintModifiedContextSettings pretty-prints the values of the parameters set by ParseContextSettings.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, key := range paramsSet {
		value, found := ctx.GetParam(key)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
