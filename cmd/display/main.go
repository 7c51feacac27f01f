// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// display drives a single SSD1306 OLED over I2C, rendering rep count, bar
// velocity, and ZUPT status from the fusion state and rep events published
// over MQTT by bartrackd.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/fusion"
	"github.com/relabs-tech/bartrack/internal/repcount"
)

// displayData holds the latest state and rep event to render.
type displayData struct {
	mu sync.RWMutex

	state     fusion.Snapshot
	haveState bool

	lastRep    repcount.RepEvent
	haveLastRep bool
}

func (d *displayData) setState(s fusion.Snapshot) {
	d.mu.Lock()
	d.state = s
	d.haveState = true
	d.mu.Unlock()
}

func (d *displayData) setRep(ev repcount.RepEvent) {
	d.mu.Lock()
	d.lastRep = ev
	d.haveLastRep = true
	d.mu.Unlock()
}

func (d *displayData) snapshot() displayData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return displayData{
		state:       d.state,
		haveState:   d.haveState,
		lastRep:     d.lastRep,
		haveLastRep: d.haveLastRep,
	}
}

func main() {
	configPath := flag.String("config", "./bartrack_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting bartrack display")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	if _, err := host.Init(); err != nil {
		log.Fatalf("display: failed to initialize periph: %v", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		log.Fatalf("display: failed to open I2C bus: %v", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, cfg.DisplayI2CAddr, &ssd1306.DefaultOpts)
	if err != nil {
		log.Fatalf("display: failed to initialize display: %v", err)
	}
	log.Printf("display: initialized at 0x%02X", cfg.DisplayI2CAddr)

	if err := showSplash(dev); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	data := &displayData{}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDDisplay)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("display: mqtt connect: %v", token.Error())
	}
	log.Printf("display: connected to MQTT broker at %s", cfg.MQTTBroker)

	stateToken := client.Subscribe(cfg.TopicState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s fusion.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("display: state unmarshal error: %v", err)
			return
		}
		data.setState(s)
	})
	stateToken.Wait()
	if stateToken.Error() != nil {
		log.Fatalf("display: subscribe %s: %v", cfg.TopicState, stateToken.Error())
	}
	log.Printf("display: subscribed to %s", cfg.TopicState)

	repToken := client.Subscribe(cfg.TopicRep, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var ev repcount.RepEvent
		if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
			log.Printf("display: rep unmarshal error: %v", err)
			return
		}
		data.setRep(ev)
	})
	repToken.Wait()
	if repToken.Error() != nil {
		log.Fatalf("display: subscribe %s: %v", cfg.TopicRep, repToken.Error())
	}
	log.Printf("display: subscribed to %s", cfg.TopicRep)

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")
	for range ticker.C {
		snap := data.snapshot()
		if err := updateDisplay(dev, &snap); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}
}

func blankImage() *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))
	for i := range img.Pix {
		img.Pix[i] = 0
	}
	return img
}

func newDrawer(img *image1bit.VerticalLSB) *font.Drawer {
	return &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
}

func updateDisplay(dev *ssd1306.Dev, data *displayData) error {
	img := blankImage()
	drawer := newDrawer(img)

	if !data.haveState {
		drawer.Dot = fixed.P(0, 26)
		drawer.DrawBytes([]byte("bartrack"))
		drawer.Dot = fixed.P(0, 39)
		drawer.DrawBytes([]byte("Waiting..."))
		return dev.Draw(dev.Bounds(), img, image.Point{})
	}

	repCount := 0
	if data.haveLastRep {
		repCount = data.lastRep.Number
	}
	drawer.Dot = fixed.P(0, 13)
	drawer.DrawBytes([]byte(fmt.Sprintf("Reps: %3d", repCount)))

	status := "tracking"
	if data.state.ZuptActive {
		status = "zupt"
	}
	drawer.Dot = fixed.P(0, 26)
	drawer.DrawBytes([]byte(fmt.Sprintf("St: %-8s", status)))

	drawer.Dot = fixed.P(0, 39)
	drawer.DrawBytes([]byte(fmt.Sprintf("V: %5.2f m/s", data.state.Velocity[2])))

	if data.haveLastRep {
		drawer.Dot = fixed.P(0, 52)
		drawer.DrawBytes([]byte(fmt.Sprintf("ROM %4.1fcm %3d%%", data.lastRep.ROMCm, data.lastRep.BalancePercent)))
	}

	return dev.Draw(dev.Bounds(), img, image.Point{})
}

func showSplash(dev *ssd1306.Dev) error {
	img := blankImage()
	drawer := newDrawer(img)

	drawer.Dot = fixed.P(20, 26)
	drawer.DrawBytes([]byte("bartrack"))

	drawer.Dot = fixed.P(5, 43)
	drawer.DrawBytes([]byte("Waiting for"))

	drawer.Dot = fixed.P(15, 56)
	drawer.DrawBytes([]byte("sensor"))

	return dev.Draw(dev.Bounds(), img, image.Point{})
}
