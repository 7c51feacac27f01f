// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relabs-tech/bartrack/internal/eskf"
)

func TestDefaultParameterBundleMatchesDocumentedDefaults(t *testing.T) {
	b := DefaultParameterBundle()
	if b.EkfParams != eskf.DefaultParams {
		t.Errorf("EkfParams = %+v, want defaults %+v", b.EkfParams, eskf.DefaultParams)
	}
	if b.WorkoutPrefs.MinROMCm != 15 {
		t.Errorf("MinROMCm = %v, want 15", b.WorkoutPrefs.MinROMCm)
	}
}

func TestSaveThenLoadParameterBundleRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.json")

	bundle := DefaultParameterBundle()
	bundle.WorkoutPrefs.MinROMCm = 18

	if err := SaveParameterBundle(path, bundle); err != nil {
		t.Fatalf("SaveParameterBundle: %v", err)
	}

	loaded, err := LoadParameterBundle(path)
	if err != nil {
		t.Fatalf("LoadParameterBundle: %v", err)
	}
	if loaded.WorkoutPrefs.MinROMCm != 18 {
		t.Errorf("MinROMCm = %v, want 18", loaded.WorkoutPrefs.MinROMCm)
	}
}

func TestLoadParameterBundleMissingFileFallsBackToDefaults(t *testing.T) {
	bundle, err := LoadParameterBundle(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if bundle != DefaultParameterBundle() {
		t.Errorf("expected defaults to be returned alongside the error")
	}
}

func TestSaveParameterBundleMergesPartialUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.json")

	full := DefaultParameterBundle()
	full.BarSettings.MountPreset = "olympic"
	if err := SaveParameterBundle(path, full); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	partial := ParameterBundle{WorkoutPrefs: WorkoutPrefs{MaxAngleDeg: 30, MinROMCm: 20, RestTimerSec: 60}}
	if err := SaveParameterBundle(path, partial); err != nil {
		t.Fatalf("partial save: %v", err)
	}

	loaded, err := LoadParameterBundle(path)
	if err != nil {
		t.Fatalf("LoadParameterBundle: %v", err)
	}
	if loaded.BarSettings.MountPreset != "olympic" {
		t.Errorf("MountPreset = %q, want existing value preserved across partial save", loaded.BarSettings.MountPreset)
	}
	if loaded.WorkoutPrefs.MaxAngleDeg != 30 {
		t.Errorf("MaxAngleDeg = %v, want 30", loaded.WorkoutPrefs.MaxAngleDeg)
	}
}

func TestLoadConfigFileOverridesSelectedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bartrack.conf")
	content := "MQTT_BROKER=tcp://10.0.0.5:1883\nLINK_SERIAL_PORT=/dev/ttyUSB1\nLINK_BAUD_RATE=9600\nWEB_SERVER_PORT=9090\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTTBroker != "tcp://10.0.0.5:1883" {
		t.Errorf("MQTTBroker = %q, want override", cfg.MQTTBroker)
	}
	if cfg.TopicState != DefaultConfig().TopicState {
		t.Errorf("TopicState = %q, want untouched default", cfg.TopicState)
	}
}
