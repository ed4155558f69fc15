// Kafka decision telemetry
//
// Copyright (C) 2026  MPPT Controller Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package telemetry streams tick records to Kafka as JSON events keyed by
// run ID. Records are queued without blocking the control loop; when the
// queue is full the record is dropped and counted.
package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/log"
	"mppt-controller/pkg/runner"
)

const (
	queueSize  = 1024
	batchSize  = 64
	flushEvery = 100 * time.Millisecond
	writeLimit = 5 * time.Second
)

// MessageWriter is the part of kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a kafka.Writer for cfg.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: flushEvery,
		Async:        false,
	}
}

// Event is the published message body.
type Event struct {
	Type string `json:"type"`
	runner.Record
}

// Event types.
const (
	EventDecision = "decision"
	EventTick     = "tick"
	EventMissed   = "missed"
)

func eventType(rec runner.Record) string {
	switch {
	case rec.Missed:
		return EventMissed
	case rec.Output.Decided:
		return EventDecision
	default:
		return EventTick
	}
}

// Publisher is a runner.Observer that forwards records to Kafka.
type Publisher struct {
	w             MessageWriter
	decisionsOnly bool
	log           *log.Logger

	queue chan kafka.Message
	wg    sync.WaitGroup
	once  sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a publisher over w. Call Start before the first record.
func New(w MessageWriter, decisionsOnly bool) *Publisher {
	return &Publisher{
		w:             w,
		decisionsOnly: decisionsOnly,
		log:           log.GetLogger("telemetry"),
		queue:         make(chan kafka.Message, queueSize),
	}
}

// Start launches the writer goroutine. It drains the queue until Close.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Observe enqueues rec. It never blocks.
func (p *Publisher) Observe(rec runner.Record) {
	if p.decisionsOnly && !rec.Output.Decided {
		return
	}
	body, err := json.Marshal(Event{Type: eventType(rec), Record: rec})
	if err != nil {
		p.failed.Add(1)
		return
	}
	msg := kafka.Message{
		Key:   []byte(rec.RunID),
		Value: body,
		Time:  rec.Time,
	}
	select {
	case p.queue <- msg:
	default:
		if p.dropped.Add(1) == 1 {
			p.log.Warn("telemetry queue full, dropping records")
		}
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, batchSize)
	for {
		select {
		case msg, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, msg)
			if len(batch) >= batchSize {
				p.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Publisher) flush(batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeLimit)
	defer cancel()
	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.failed.Add(uint64(len(batch)))
		p.log.WithError(errors.TelemetryPublishError("kafka", err)).Warn("batch lost")
		return
	}
	p.published.Add(uint64(len(batch)))
}

// Stats reports published, dropped and failed record counts.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Stats returns the current counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close flushes queued records and closes the writer. Observe must not
// be called after Close.
func (p *Publisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.queue)
		p.wg.Wait()
		err = p.w.Close()
	})
	return err
}
