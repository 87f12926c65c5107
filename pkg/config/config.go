// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the default hyperparameters of s11net training, and loads overrides from TOML
// files and from "-set" command-line settings into a GoMLX context.
//
// Hyperparameters are context params: they are read with context.GetParamOr wherever they are used,
// and are saved along with the model checkpoints.
package config

import (
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/eva4/s11net/pkg/models"
	"github.com/eva4/s11net/pkg/trainer"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
)

// Hyperparameters that are not owned by any other package.
const (
	ParamBatchSize      = "batch_size"
	ParamEvalBatchSize  = "eval_batch_size"
	ParamNumEpochs      = "num_epochs"
	ParamNumCheckpoints = "num_checkpoints"
)

// ParamsExcludedFromSaving are the hyperparameters not saved along with the checkpoints, so they can
// be changed when training continues from one.
var ParamsExcludedFromSaving = []string{ParamNumEpochs, ParamNumCheckpoints}

// CreateDefaultContext returns a context with all hyperparameters set to their default values.
//
// Only hyperparameters set here can be overridden with LoadFile or ParseSettings: the default value
// also defines the type of the hyperparameter.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		models.ParamModel:   "s11net",
		ParamBatchSize:      512,
		ParamEvalBatchSize:  1000,
		ParamNumEpochs:      24,
		ParamNumCheckpoints: 3,

		optimizers.ParamOptimizer:       "sgd",
		optimizers.ParamLearningRate:    0.01,
		cosineschedule.ParamPeriodSteps: 0,
		trainer.ParamL1Lambda:           0.0,
		trainer.ParamLRScheduler:        "onecycle",
		trainer.ParamBatchScheduler:     true,
		trainer.ParamOneCycleMaxLR:      0.1,
		trainer.ParamOneCyclePctStart:   0.2,
		trainer.ParamStepSize:           8,
		trainer.ParamStepGamma:          0.1,
		trainer.ParamPlateauFactor:      0.1,
		trainer.ParamPlateauPatience:    3,
		trainer.ParamAccumulateSteps:    1,
		trainer.ParamOneHotClasses:      []int{},
		models.ParamS11NetDropout:       0.0,
	})
	return ctx
}

// CreateSettingsFlag defines the "-set" flag, whose help lists the hyperparameters of ctx. Its value is
// meant to be passed to Load (or ParseSettings) after flag.Parse.
func CreateSettingsFlag(ctx *context.Context) *string {
	return commandline.CreateContextSettingsFlag(ctx, "set")
}

// SprintModified lists the hyperparameters set by the user, with their values.
func SprintModified(ctx *context.Context, paramsSet []string) string {
	return commandline.SprintModifiedContextSettings(ctx, paramsSet)
}

// ParseSettings applies settings in the format "param1=value1;/scope/param2=value2" to ctx, and
// returns the names of the hyperparameters set.
func ParseSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	paramsSet, err = commandline.ParseContextSettings(ctx, settings)
	return paramsSet, errors.WithMessage(err, "parsing hyperparameter settings")
}

// LoadFile reads the hyperparameters from a TOML file into ctx, and returns the names of the
// hyperparameters set, in the order they appear in the file.
//
// Top-level keys set the hyperparameter in the root scope, and keys inside a table set it in the scope
// named after the table. E.g.:
//
//	learning_rate = 0.05
//	lr_scheduler = "step"
//
//	[layer1]
//	s11net_dropout = 0.1
func LoadFile(ctx *context.Context, path string) (paramsSet []string, err error) {
	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrapf(err, "reading hyperparameters file %q", path)
	}
	return setFromTOML(ctx, meta, raw)
}

// LoadString is like LoadFile, but reads the TOML contents from a string.
func LoadString(ctx *context.Context, contents string) (paramsSet []string, err error) {
	var raw map[string]any
	meta, err := toml.Decode(contents, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "parsing hyperparameters")
	}
	return setFromTOML(ctx, meta, raw)
}

func setFromTOML(ctx *context.Context, meta toml.MetaData, raw map[string]any) (paramsSet []string, err error) {
	for _, key := range meta.Keys() {
		if meta.Type(key...) == "Hash" {
			continue
		}
		scope, name := key[:len(key)-1], key[len(key)-1]
		value, found := lookup(raw, key)
		if !found {
			continue
		}
		scopedCtx := ctx
		fullName := name
		if len(scope) > 0 {
			scopePath := context.ScopeSeparator + strings.Join(scope, context.ScopeSeparator)
			scopedCtx = ctx.InAbsPath(scopePath)
			fullName = scopePath + context.ScopeSeparator + name
		}
		defaultValue, found := scopedCtx.GetParam(name)
		if !found {
			return paramsSet, errors.Errorf("unknown hyperparameter %q: only hyperparameters with a default value can be set", fullName)
		}
		converted, err := convertTo(defaultValue, value)
		if err != nil {
			return paramsSet, errors.WithMessagef(err, "setting hyperparameter %q", fullName)
		}
		scopedCtx.SetParam(name, converted)
		paramsSet = append(paramsSet, fullName)
	}
	return paramsSet, nil
}

// lookup the value of a dotted TOML key in the decoded tables.
func lookup(raw map[string]any, key toml.Key) (any, bool) {
	var current any = raw
	for _, part := range key {
		table, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = table[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// convertTo converts the TOML decoded value to the type of defaultValue.
func convertTo(defaultValue, value any) (any, error) {
	switch defaultValue.(type) {
	case string:
		if v, ok := value.(string); ok {
			return v, nil
		}
	case bool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case int:
		if v, ok := value.(int64); ok {
			return int(v), nil
		}
	case float64:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
	case []int:
		return convertSlice(value, func(e any) (int, bool) {
			v, ok := e.(int64)
			return int(v), ok
		})
	case []float64:
		return convertSlice(value, func(e any) (float64, bool) {
			switch v := e.(type) {
			case float64:
				return v, true
			case int64:
				return float64(v), true
			}
			return 0, false
		})
	case []string:
		return convertSlice(value, func(e any) (string, bool) {
			v, ok := e.(string)
			return v, ok
		})
	default:
		return nil, errors.Errorf("hyperparameters of type %T can not be set from a file", defaultValue)
	}
	return nil, errors.Errorf("value %v (%T) doesn't match the type %T of the default value", value, value, defaultValue)
}

func convertSlice[E any](value any, convertFn func(any) (E, bool)) ([]E, error) {
	elements, ok := value.([]any)
	if !ok {
		return nil, errors.Errorf("value %v (%T) is not a list", value, value)
	}
	result := make([]E, 0, len(elements))
	for i, e := range elements {
		v, ok := convertFn(e)
		if !ok {
			return nil, errors.Errorf("element #%d of the list, %v (%T), has the wrong type", i, e, e)
		}
		result = append(result, v)
	}
	return result, nil
}

// Load applies the hyperparameters file (if path is not empty) and then the command-line settings to ctx.
// It returns the names of all hyperparameters set, without repetitions.
func Load(ctx *context.Context, path, settings string) ([]string, error) {
	var paramsSet []string
	if path != "" {
		fromFile, err := LoadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		paramsSet = fromFile
	}
	fromSettings, err := ParseSettings(ctx, settings)
	if err != nil {
		return nil, err
	}
	for _, name := range fromSettings {
		if !slices.Contains(paramsSet, name) {
			paramsSet = append(paramsSet, name)
		}
	}
	return paramsSet, nil
}
