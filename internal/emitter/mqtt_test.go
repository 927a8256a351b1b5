package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, complete bool) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	if complete {
		close(t.done)
	}
	return t
}

func (t *doneToken) Wait() bool                       { <-t.done; return true }
func (t *doneToken) WaitTimeout(d time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}            { return t.done }
func (t *doneToken) Error() error                     { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes. Methods it does not override panic via
// the nil embedded interface.
type fakeClient struct {
	mqtt.Client

	mu          sync.Mutex
	connectErr  error
	hang        bool
	messages    []published
	connected   bool
	disconnects int
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.hang {
		return newToken(nil, false)
	}
	c.mu.Lock()
	c.connected = c.connectErr == nil
	c.mu.Unlock()
	return newToken(c.connectErr, true)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) disconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return newToken(nil, true)
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func newEmitter(t *testing.T, client *fakeClient, mutate func(*Config)) *MQTTEmitter {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.QoS = 1
	cfg.ConnectTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := NewMQTTEmitter(cfg, logger.Nop(), WithClientFactory(func(opts *mqtt.ClientOptions) mqtt.Client {
		return client
	}))
	require.NoError(t, err)

	return e
}

func TestPublishBeforeConnectFails(t *testing.T) {
	e := newEmitter(t, &fakeClient{}, nil)

	err := e.Publish("s", telemetry.DataPoint{})
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
	assert.Equal(t, uint64(1), e.Stats().Errors)

	e.Disconnect()
}

func TestPublishEncodesDataPoint(t *testing.T) {
	client := &fakeClient{}
	e := newEmitter(t, client, nil)
	require.NoError(t, e.Connect(context.Background()))
	defer e.Disconnect()

	dp := telemetry.New(telemetry.Reading{Elapsed: 61 * time.Second, Intensity: 42, FoamHeight: 3.3, AudioLevel: 7})
	require.NoError(t, e.Publish("abc", dp))

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "labtelemetry/abc/datapoints", sent[0].topic)
	assert.Equal(t, byte(1), sent[0].qos)
	assert.False(t, sent[0].retained)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &decoded))
	assert.Equal(t, "01:01", decoded["timeStr"])
	assert.EqualValues(t, 42, decoded["intensity"])
	assert.EqualValues(t, 61000, decoded["timestamp"])
	assert.InDelta(t, 3.3, decoded["foamHeight"], 1e-9)

	assert.Equal(t, uint64(1), e.Stats().Published["labtelemetry/abc/datapoints"])
}

func TestPublishStatusIsRetained(t *testing.T) {
	client := &fakeClient{}
	e := newEmitter(t, client, nil)
	require.NoError(t, e.Connect(context.Background()))
	defer e.Disconnect()

	require.NoError(t, e.PublishStatus("abc", "started"))

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "labtelemetry/abc/status", sent[0].topic)
	assert.True(t, sent[0].retained)
	assert.Contains(t, string(sent[0].payload), `"status":"started"`)
}

func TestSinkQueuesAndDisconnectDrains(t *testing.T) {
	client := &fakeClient{}
	e := newEmitter(t, client, nil)
	require.NoError(t, e.Connect(context.Background()))

	sink := e.Sink("s")
	for i := 0; i < 5; i++ {
		sink(telemetry.DataPoint{Timestamp: int64(i)})
	}

	e.Disconnect()
	assert.Len(t, client.sent(), 5)
	assert.False(t, e.Stats().Connected)
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	e := newEmitter(t, &fakeClient{}, func(c *Config) { c.QueueSize = 2 })

	sink := e.Sink("s")
	for i := 0; i < 5; i++ {
		sink(telemetry.DataPoint{})
	}

	assert.Equal(t, uint64(3), e.Stats().Dropped)
	e.Disconnect()
}

func TestConnectFailures(t *testing.T) {
	e := newEmitter(t, &fakeClient{connectErr: fmt.Errorf("refused")}, nil)
	err := e.Connect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
	e.Disconnect()

	e = newEmitter(t, &fakeClient{hang: true}, nil)
	err = e.Connect(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrTimeout))
	e.Disconnect()
}

func TestFailedConnectStopsClient(t *testing.T) {
	for name, client := range map[string]*fakeClient{
		"refused": {connectErr: fmt.Errorf("refused")},
		"timeout": {hang: true},
	} {
		t.Run(name, func(t *testing.T) {
			e := newEmitter(t, client, nil)

			err := e.Connect(context.Background())
			require.Error(t, err)
			assert.Equal(t, 1, client.disconnectCalls())
			assert.False(t, e.Stats().Connected)

			err = e.Publish("s", telemetry.DataPoint{})
			assert.True(t, errors.HasCode(err, errors.ErrUnavailable))
		})
	}
}

func TestNewRejectsBadQueueWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 0
	require.NoError(t, cfg.Validate())

	assert.NotPanics(t, func() {
		e, err := NewMQTTEmitter(cfg, logger.Nop())
		assert.Nil(t, e)
		assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	})
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"no broker": func(c *Config) { c.Broker = "" },
		"no topic":  func(c *Config) { c.Topic = "" },
		"bad qos":   func(c *Config) { c.QoS = 3 },
		"no queue":  func(c *Config) { c.QueueSize = 0 },
		"timeout":   func(c *Config) { c.PublishTimeout = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Enabled = true
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
