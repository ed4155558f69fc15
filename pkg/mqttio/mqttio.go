// MQTT sample source and duty sink
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mqttio connects the controller to a remote converter over MQTT.
// Samples arrive as JSON on the sample topic and are latched; each duty
// update is published as JSON on the duty topic.
package mqttio

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/mppt"
)

// ErrNoSample means nothing has arrived on the sample topic since the
// last read.
var ErrNoSample = stderrors.New("mqtt: no new sample")

const connectTimeout = 10 * time.Second

// SampleMessage is the sample topic payload. Raw Q8.8 words take
// precedence over the decimal fields when present.
type SampleMessage struct {
	Voltage    float64 `json:"voltage"`
	Current    float64 `json:"current"`
	VoltageRaw *uint16 `json:"voltage_raw,omitempty"`
	CurrentRaw *uint16 `json:"current_raw,omitempty"`
}

// Sample converts the message to Q8.8.
func (m SampleMessage) Sample() mppt.Sample {
	s := mppt.Sample{
		Voltage: fixed.FromFloat(m.Voltage),
		Current: fixed.FromFloat(m.Current),
	}
	if m.VoltageRaw != nil {
		s.Voltage = fixed.Q88(*m.VoltageRaw)
	}
	if m.CurrentRaw != nil {
		s.Current = fixed.Q88(*m.CurrentRaw)
	}
	return s
}

// DutyMessage is the duty topic payload. Duty is the switch on-time as a
// fraction of the PWM period.
type DutyMessage struct {
	Duty    float64 `json:"duty"`
	DutyRaw uint16  `json:"duty_raw"`
}

// NewDutyMessage builds the payload for a duty register value.
func NewDutyMessage(duty fixed.Q88) DutyMessage {
	return DutyMessage{
		Duty:    float64(duty) / mppt.DutyDenominator,
		DutyRaw: duty.Raw(),
	}
}

// Client is both a runner source and sink over one broker connection.
type Client struct {
	client mqtt.Client
	cfg    config.MQTTConfig
	log    *log.Logger

	mu       sync.Mutex
	latest   mppt.Sample
	fresh    bool
	received uint64
	rejected uint64
}

// Connect dials the broker and subscribes to the sample topic. The
// subscription is renewed on every reconnect.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, log: log.GetLogger("mqtt")}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(mqtt.Client) {
			if err := c.Subscribe(); err != nil {
				c.log.WithError(err).Error("subscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.WithError(err).Warn("connection lost")
		})
	c.client = mqtt.NewClient(opts)

	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntimeInit, "cannot connect to MQTT broker").
			SetContext("broker", cfg.Broker)
	}
	c.log.Info("connected to %s as %s", cfg.Broker, cfg.ClientID)
	return c, nil
}

// NewWithClient wraps an existing paho client without connecting.
func NewWithClient(client mqtt.Client, cfg config.MQTTConfig) *Client {
	return &Client{client: client, cfg: cfg, log: log.GetLogger("mqtt")}
}

// Subscribe subscribes to the sample topic.
func (c *Client) Subscribe() error {
	tok := c.client.Subscribe(c.cfg.SampleTopic, c.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleSample(msg.Payload())
	})
	if !tok.WaitTimeout(connectTimeout) {
		return errors.New(errors.ErrSourceRead, "subscribe timed out").SetSection("mqtt")
	}
	return tok.Error()
}

func (c *Client) handleSample(payload []byte) {
	var msg SampleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		c.log.WithError(err).Debug("bad sample payload")
		return
	}
	s := msg.Sample()
	c.mu.Lock()
	c.latest = s
	c.fresh = true
	c.received++
	c.mu.Unlock()
}

// Sample returns the latest sample once; later calls fail with
// ErrNoSample until a new message arrives.
func (c *Client) Sample(ctx context.Context) (mppt.Sample, error) {
	if err := ctx.Err(); err != nil {
		return mppt.Sample{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fresh {
		return mppt.Sample{}, errors.SourceReadError("mqtt", ErrNoSample)
	}
	c.fresh = false
	return c.latest, nil
}

// ApplyDuty publishes the duty register.
func (c *Client) ApplyDuty(ctx context.Context, duty fixed.Q88) error {
	payload, err := json.Marshal(NewDutyMessage(duty))
	if err != nil {
		return errors.SinkWriteError("mqtt", err)
	}
	if err := wait(ctx, c.client.Publish(c.cfg.DutyTopic, c.cfg.QoS, false, payload)); err != nil {
		return errors.SinkWriteError("mqtt", err)
	}
	return nil
}

// Counts reports how many sample messages were accepted and rejected.
func (c *Client) Counts() (received, rejected uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received, c.rejected
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
