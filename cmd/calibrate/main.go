// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// calibrate is a guided console tool that drives internal/calibration's
// four-phase sequencer against live samples from the wireless link,
// prompting the operator through each phase the way the reference device's
// guided IMU calibration does.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/relabs-tech/bartrack/internal/calibration"
	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/link"
)

type phaseStep struct {
	prompt string
}

var steps = []phaseStep{
	{prompt: "Step 1/4 - Stationary: place the sensor on a stable surface and do not touch it."},
	{prompt: "Step 2/4 - Slow motion: move the sensor slowly and smoothly through a range of motion."},
	{prompt: "Step 3/4 - Fast motion: move the sensor briskly, simulating a real lifting tempo."},
	{prompt: "Step 4/4 - Verification: hold the sensor still again so the thresholds can be checked."},
}

func main() {
	configPath := flag.String("config", "./bartrack_config.txt", "path to configuration file")
	flag.Parse()

	fmt.Println("=== Guided ZUPT Calibration ===")
	fmt.Println("This tool captures stationary, slow, and fast motion samples and derives")
	fmt.Println("ZUPT thresholds, saving them into the parameter store.")
	fmt.Println()

	if err := config.InitGlobal(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	cfg := config.Get()

	bundle, err := config.LoadParameterBundle(cfg.ParamStorePath)
	if err != nil {
		log.Printf("calibrate: no parameter store at %s, using defaults: %v", cfg.ParamStorePath, err)
	}

	l, err := link.Open(cfg.LinkSerialPort, cfg.LinkBaudRate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to open link: %v\n", err)
		os.Exit(1)
	}
	defer l.Close()

	in := bufio.NewReader(os.Stdin)
	seq := calibration.New()
	seq.Start(nowMs())

	for _, step := range steps {
		fmt.Println()
		fmt.Println(step.prompt)
		waitEnter(in, "Press ENTER to begin this phase...")
		runPhase(seq, l)
		seq.AdvancePhase(nowMs())
	}

	res := seq.Result()
	if !res.Applied {
		fmt.Printf("\nCalibration did not produce usable thresholds: %s\n", res.Reason)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Gyro noise:   %.5f rad/s\n", res.GyroNoise)
	fmt.Printf("Accel noise:  %.5f m/s^2\n", res.AccelNoise)
	fmt.Printf("w_thr:        %.4f rad/s\n", res.ZuptParams.GyroThreshold)
	fmt.Printf("a_thr:        %.4f m/s^2\n", res.ZuptParams.AccelThreshold)
	fmt.Printf("min_hold_ms:  %d ms\n", res.ZuptParams.MinHoldMs)
	fmt.Printf("Confidence:   %.2f\n", res.Confidence)
	fmt.Printf("Timing stable: %v\n", res.TimingStable)

	bundle.ZuptParams = res.ZuptParams
	if err := config.SaveParameterBundle(cfg.ParamStorePath, bundle); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to save parameter store: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nSaved ZUPT thresholds to %s\n", cfg.ParamStorePath)
}

// runPhase feeds samples into the sequencer until the minimum phase
// duration has elapsed, draining the link without blocking on it for more
// than a short tick so a slow or silent link still lets the phase finish.
func runPhase(seq *calibration.Sequencer, l *link.Link) {
	for !seq.CanAdvance(nowMs()) {
		select {
		case s := <-l.Samples():
			seq.Feed(s.ToImu20())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func waitEnter(in *bufio.Reader, prompt string) {
	fmt.Print(prompt)
	_, _ = in.ReadString('\n')
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
