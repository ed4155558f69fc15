package mqttio

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mppt-controller/pkg/config"
	"mppt-controller/pkg/errors"
	"mppt-controller/pkg/fixed"
	"mppt-controller/pkg/mppt"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// fakeClient records publishes and keeps the subscription handler.
type fakeClient struct {
	mqtt.Client

	mu         sync.Mutex
	published  map[string][][]byte
	handlers   map[string]mqtt.MessageHandler
	publishErr error
	pending    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		published: make(map[string][][]byte),
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending {
		return &fakeToken{done: make(chan struct{})}
	}
	f.published[topic] = append(f.published[topic], payload.([]byte))
	return doneToken(f.publishErr)
}

func (f *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = cb
	return doneToken(nil)
}

func (f *fakeClient) IsConnected() bool { return false }
func (f *fakeClient) Disconnect(uint)   {}

func (f *fakeClient) deliver(topic, payload string) {
	f.mu.Lock()
	cb := f.handlers[topic]
	f.mu.Unlock()
	cb(f, fakeMessage{topic: topic, payload: []byte(payload)})
}

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:      "tcp://localhost:1883",
		ClientID:    "test",
		SampleTopic: "mppt/sample",
		DutyTopic:   "mppt/duty",
	}
}

func TestSampleMessageConversion(t *testing.T) {
	raw := uint16(0x1234)
	tests := []struct {
		name string
		msg  SampleMessage
		want mppt.Sample
	}{
		{"decimal", SampleMessage{Voltage: 17, Current: 2.5}, mppt.Sample{Voltage: 0x1100, Current: 0x0280}},
		{"raw wins", SampleMessage{Voltage: 17, VoltageRaw: &raw, Current: 1}, mppt.Sample{Voltage: 0x1234, Current: 0x0100}},
		{"saturates", SampleMessage{Voltage: 1000, Current: -3}, mppt.Sample{Voltage: fixed.Max, Current: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Sample())
		})
	}
}

func TestSubscribeAndSample(t *testing.T) {
	fc := newFakeClient()
	c := NewWithClient(fc, testConfig())
	require.NoError(t, c.Subscribe())
	ctx := context.Background()

	_, err := c.Sample(ctx)
	assert.ErrorIs(t, err, ErrNoSample)

	fc.deliver("mppt/sample", `{"voltage": 18.0, "current_raw": 640}`)
	s, err := c.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, mppt.Sample{Voltage: 0x1200, Current: 0x0280}, s)

	_, err = c.Sample(ctx)
	assert.True(t, errors.Is(err, errors.ErrSourceRead))

	fc.deliver("mppt/sample", `not json`)
	received, rejected := c.Counts()
	assert.Equal(t, uint64(1), received)
	assert.Equal(t, uint64(1), rejected)
}

func TestApplyDutyPublishes(t *testing.T) {
	fc := newFakeClient()
	c := NewWithClient(fc, testConfig())

	require.NoError(t, c.ApplyDuty(context.Background(), 0x2000))

	fc.mu.Lock()
	msgs := fc.published["mppt/duty"]
	fc.mu.Unlock()
	require.Len(t, msgs, 1)

	var got DutyMessage
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, uint16(0x2000), got.DutyRaw)
	assert.InDelta(t, 0.5, got.Duty, 1e-9)
}

func TestApplyDutyErrors(t *testing.T) {
	fc := newFakeClient()
	fc.publishErr = stderrors.New("not connected")
	c := NewWithClient(fc, testConfig())

	err := c.ApplyDuty(context.Background(), 1)
	assert.True(t, errors.Is(err, errors.ErrSinkWrite))

	fc.publishErr = nil
	fc.pending = true
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = c.ApplyDuty(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
