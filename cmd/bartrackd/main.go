// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// bartrackd is the main fusion daemon: it opens the wireless link, drives
// internal/fusion.Loop sample by sample, and publishes state, rep, and
// diagnostics events to MQTT for the web UI, console, and display tools to
// consume.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/bartrack/internal/config"
	"github.com/relabs-tech/bartrack/internal/diagnostics"
	"github.com/relabs-tech/bartrack/internal/fusion"
	"github.com/relabs-tech/bartrack/internal/link"
	"github.com/relabs-tech/bartrack/internal/repcount"
	"github.com/relabs-tech/bartrack/internal/session"
)

// mqttPublisher implements fusion.Publisher over an already-connected MQTT
// client, matching the publish idiom of the reference device's producers.
type mqttPublisher struct {
	client     mqtt.Client
	topicState string
	topicRep   string
}

func (p *mqttPublisher) Publish(s fusion.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		log.Printf("bartrackd: snapshot encode error: %v", err)
		return
	}
	p.client.Publish(p.topicState, 0, true, payload)
}

func (p *mqttPublisher) PublishRep(ev repcount.RepEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("bartrackd: rep event encode error: %v", err)
		return
	}
	p.client.Publish(p.topicRep, 0, false, payload)
}

// diagChannels lists every channel the fusion loop records, published
// individually so a subscriber can pick just the ones it wants.
var diagChannels = []string{
	diagnostics.ChanAccelRawX, diagnostics.ChanAccelRawY, diagnostics.ChanAccelRawZ, diagnostics.ChanAccelRawMag,
	diagnostics.ChanGyroRawX, diagnostics.ChanGyroRawY, diagnostics.ChanGyroRawZ, diagnostics.ChanGyroRawMag,
	diagnostics.ChanAccelEnuE, diagnostics.ChanAccelEnuN, diagnostics.ChanAccelEnuU, diagnostics.ChanAccelEnuMag,
	diagnostics.ChanPositionE, diagnostics.ChanPositionN, diagnostics.ChanPositionU,
	diagnostics.ChanVelocityE, diagnostics.ChanVelocityN, diagnostics.ChanVelocityU,
	diagnostics.ChanBiasE, diagnostics.ChanBiasN, diagnostics.ChanBiasU,
	diagnostics.ChanZuptActive, diagnostics.ChanMeanEnuU1s, diagnostics.ChanResidualBiasU,
	diagnostics.ChanLoopRate, diagnostics.ChanDtJitter,
}

// runDiagnosticsPublishers subscribes to every diagnostics channel and
// republishes each sample to its own MQTT topic, bounded by the hub's own
// notify-rate limiting so this never floods the broker.
func runDiagnosticsPublishers(ctx context.Context, hub *diagnostics.Hub, client mqtt.Client, topicBase string) {
	for _, name := range diagChannels {
		go func(name string) {
			topic := fmt.Sprintf("%s/%s", topicBase, name)
			sub := hub.Subscribe(name)
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-sub:
					payload, err := json.Marshal(s)
					if err != nil {
						continue
					}
					client.Publish(topic, 0, false, payload)
				}
			}
		}(name)
	}
}

func main() {
	configPath := flag.String("config", "./bartrack_config.txt", "path to configuration file")
	flag.Parse()

	log.Println("starting bartrackd (link -> fusion -> MQTT)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	bundle, err := config.LoadParameterBundle(cfg.ParamStorePath)
	if err != nil {
		log.Printf("bartrackd: no parameter store at %s, using defaults: %v", cfg.ParamStorePath, err)
	}

	l, err := link.Open(cfg.LinkSerialPort, cfg.LinkBaudRate)
	if err != nil {
		log.Fatalf("bartrackd: open link: %v", err)
	}
	defer l.Close()

	if bundle.DeviceSettings.SampleRateHz > 0 {
		if err := l.SetRate(bundle.DeviceSettings.SampleRateHz); err != nil {
			log.Printf("bartrackd: set sample rate: %v", err)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDDaemon)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("bartrackd: mqtt connect: %v", token.Error())
	}
	defer client.Disconnect(250)
	log.Printf("bartrackd: connected to MQTT broker at %s", cfg.MQTTBroker)

	pub := &mqttPublisher{client: client, topicState: cfg.TopicState, topicRep: cfg.TopicRep}
	hub := diagnostics.NewHub()
	recorder := session.NewNoopRecorder()
	loop := fusion.New(bundle, hub, pub, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.BeginSession(ctx)

	runDiagnosticsPublishers(ctx, hub, client, cfg.TopicDiagBase)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Println("bartrackd: entering fusion loop")
	samplesThisSecond := 0
	for {
		select {
		case s, ok := <-l.Samples():
			if !ok {
				log.Println("bartrackd: link closed, exiting")
				return
			}
			loop.Step(s)
			samplesThisSecond++

		case <-ticker.C:
			log.Printf("bartrackd: %d samples/s, status=%s, reps=%d",
				samplesThisSecond, loop.Status(), recorder.RepsRecorded())
			samplesThisSecond = 0

		case <-sigCh:
			log.Println("bartrackd: received shutdown signal")
			return
		}
	}
}
