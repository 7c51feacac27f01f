// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/relabs-tech/bartrack/internal/eskf"
	"github.com/relabs-tech/bartrack/internal/repcount"
	"github.com/relabs-tech/bartrack/internal/zupt"
)

// ConstraintKind tags which motion constraint the fusion loop applies once
// initialized and not actively ZUPT-updating.
type ConstraintKind int

const (
	ConstraintNone ConstraintKind = iota
	ConstraintVerticalPlane
	ConstraintLineVertical
)

// ConstraintConfig is the tagged-variant constraint selector. Axis is only
// meaningful for ConstraintVerticalPlane ("x" or "y" -> E or N).
type ConstraintConfig struct {
	Kind ConstraintKind
	Axis string
}

// WorkoutPrefs are user-facing workout preferences, persisted alongside
// the filter tuning.
type WorkoutPrefs struct {
	MaxAngleDeg  float64
	MinROMCm     float64
	RestTimerSec int
}

// DeviceSettings are sensor-facing preferences.
type DeviceSettings struct {
	SampleRateHz  int
	AutoCalibrate bool
}

// BarSettings describe how the sensor is mounted on the bar.
type BarSettings struct {
	MountPreset     string
	Calibrationless bool
}

// ParameterBundle is the single struct persisted as an opaque blob, keyed
// by user. Every field has a documented default; missing fields on load
// are filled in field-by-field rather than left zero-valued.
type ParameterBundle struct {
	EkfParams        eskf.Params
	ZuptParams       zupt.Params
	WorkoutPrefs     WorkoutPrefs
	DeviceSettings   DeviceSettings
	BarSettings      BarSettings
	ConstraintConfig ConstraintConfig
	AccelCutoffG     float64
	RepCounterConfig repcount.Config
}

// DefaultParameterBundle returns the reference device's shipped tuning
// for every field in ParameterBundle.
func DefaultParameterBundle() ParameterBundle {
	return ParameterBundle{
		EkfParams:  eskf.DefaultParams,
		ZuptParams: zupt.DefaultParams,
		WorkoutPrefs: WorkoutPrefs{
			MaxAngleDeg:  20,
			MinROMCm:     15,
			RestTimerSec: 90,
		},
		DeviceSettings: DeviceSettings{
			SampleRateHz:  20,
			AutoCalibrate: false,
		},
		BarSettings: BarSettings{
			MountPreset:     "standard",
			Calibrationless: false,
		},
		ConstraintConfig: ConstraintConfig{Kind: ConstraintNone},
		AccelCutoffG:     0.05,
		RepCounterConfig: repcount.DefaultConfig,
	}
}

// paramStoreMu serializes store access; the fusion loop never blocks on
// it directly, it reads a snapshot at init and on explicit reload.
var paramStoreMu sync.Mutex

// LoadParameterBundle reads the persisted parameter blob for a user from
// path. Any I/O or decode error is logged by the caller and treated as
// "use defaults" per the spec's persistence-failure policy; this function
// itself just reports the error so callers can decide how to log it.
// Fields absent from the stored JSON (e.g. from an older schema) are
// filled in from DefaultParameterBundle rather than left zero-valued.
func LoadParameterBundle(path string) (ParameterBundle, error) {
	paramStoreMu.Lock()
	defer paramStoreMu.Unlock()

	bundle := DefaultParameterBundle()

	data, err := os.ReadFile(path)
	if err != nil {
		return bundle, fmt.Errorf("read parameter store: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return bundle, fmt.Errorf("decode parameter store: %w", err)
	}

	fillField(raw, "EkfParams", &bundle.EkfParams)
	fillField(raw, "ZuptParams", &bundle.ZuptParams)
	fillField(raw, "WorkoutPrefs", &bundle.WorkoutPrefs)
	fillField(raw, "DeviceSettings", &bundle.DeviceSettings)
	fillField(raw, "BarSettings", &bundle.BarSettings)
	fillField(raw, "ConstraintConfig", &bundle.ConstraintConfig)
	fillField(raw, "AccelCutoffG", &bundle.AccelCutoffG)
	fillField(raw, "RepCounterConfig", &bundle.RepCounterConfig)

	return bundle, nil
}

// fillField unmarshals raw[key] into dst if present, leaving dst (already
// seeded with a default) untouched otherwise.
func fillField(raw map[string]json.RawMessage, key string, dst any) {
	msg, ok := raw[key]
	if !ok {
		return
	}
	_ = json.Unmarshal(msg, dst)
}

// SaveParameterBundle persists bundle to path, merging with whatever is
// already there: fields not present on bundle's zero value still come
// from the existing file rather than being clobbered. In practice callers
// always provide the full bundle (read-modify-write), so this merge is a
// safety net against partial writers.
func SaveParameterBundle(path string, bundle ParameterBundle) error {
	paramStoreMu.Lock()
	defer paramStoreMu.Unlock()

	merged := bundle
	if existing, err := os.ReadFile(path); err == nil {
		var prev ParameterBundle
		if json.Unmarshal(existing, &prev) == nil {
			merged = mergeBundles(prev, bundle)
		}
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("encode parameter store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write parameter store: %w", err)
	}
	return nil
}

// mergeBundles overlays next on top of prev: a next field equal to its
// zero value is treated as "not provided this save" and prev's value is
// kept. This lets a caller that only touched ZuptParams save without
// clobbering EkfParams, workout prefs, and so on.
func mergeBundles(prev, next ParameterBundle) ParameterBundle {
	out := prev
	zero := ParameterBundle{}

	if next.EkfParams != zero.EkfParams {
		out.EkfParams = next.EkfParams
	}
	if next.ZuptParams != zero.ZuptParams {
		out.ZuptParams = next.ZuptParams
	}
	if next.WorkoutPrefs != zero.WorkoutPrefs {
		out.WorkoutPrefs = next.WorkoutPrefs
	}
	if next.DeviceSettings != zero.DeviceSettings {
		out.DeviceSettings = next.DeviceSettings
	}
	if next.BarSettings != zero.BarSettings {
		out.BarSettings = next.BarSettings
	}
	if next.ConstraintConfig != zero.ConstraintConfig {
		out.ConstraintConfig = next.ConstraintConfig
	}
	if next.AccelCutoffG != 0 {
		out.AccelCutoffG = next.AccelCutoffG
	}
	if next.RepCounterConfig != zero.RepCounterConfig {
		out.RepCounterConfig = next.RepCounterConfig
	}
	return out
}
