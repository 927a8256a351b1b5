// Package emitter forwards DataPoints to an MQTT broker as JSON.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"codeberg.org/mutker/labtelemetry/internal/errors"
	"codeberg.org/mutker/labtelemetry/internal/logger"
	"codeberg.org/mutker/labtelemetry/internal/telemetry"
)

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published map[string]uint64 // per topic
	Errors    uint64
	Dropped   uint64
}

type message struct {
	sessionID string
	dp        telemetry.DataPoint
}

type statusPayload struct {
	Session string `json:"session"`
	Status  string `json:"status"`
	Time    string `json:"time"`
}

// MQTTEmitter publishes DataPoints to <topic>/<session>/datapoints and
// session status changes to <topic>/<session>/status.
type MQTTEmitter struct {
	cfg       Config
	log       logger.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
	dropped   uint64

	queue    chan message
	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type Option func(*MQTTEmitter)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(e *MQTTEmitter) {
		e.newClient = fn
	}
}

func NewMQTTEmitter(cfg Config, log logger.Logger, opts ...Option) (*MQTTEmitter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.Nop()
	}

	e := &MQTTEmitter{
		cfg:       cfg,
		log:       log.With("emitter"),
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
		queue:     make(chan message, cfg.QueueSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Connect dials the broker and starts the publish worker. It gives up after
// the connect timeout or when ctx ends.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	errFactory := errors.New()

	clientID := e.cfg.ClientID
	if clientID == "" {
		clientID = "labtelemetry-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.log.Info().
			Str("broker", e.cfg.Broker).
			Str("client_id", clientID).
			Msg("MQTT connection established")
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn().
			Err(err).
			Str("broker", e.cfg.Broker).
			Msg("MQTT connection lost, will auto-reconnect")
	}

	e.client = e.newClient(opts)

	e.log.Info().Str("broker", e.cfg.Broker).Msg("Connecting to MQTT broker")

	token := e.client.Connect()
	if err := wait(ctx, token, e.cfg.ConnectTimeout); err != nil {
		// Stop the client's background connect retries.
		e.client.Disconnect(0)
		e.setConnected(false)
		return errFactory.Wrap(errors.ErrUnavailable, err)
	}

	e.setConnected(true)
	if e.running.CompareAndSwap(false, true) {
		go e.worker()
	}

	return nil
}

// Publish sends dp synchronously.
func (e *MQTTEmitter) Publish(sessionID string, dp telemetry.DataPoint) error {
	payload, err := json.Marshal(dp)
	if err != nil {
		e.countError()
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return e.send(DataTopic(e.cfg.Topic, sessionID), false, payload)
}

// PublishStatus sends a retained status message for the session.
func (e *MQTTEmitter) PublishStatus(sessionID, status string) error {
	payload, err := json.Marshal(statusPayload{
		Session: sessionID,
		Status:  status,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.New().Wrap(errors.ErrOperationFailed, err)
	}

	return e.send(StatusTopic(e.cfg.Topic, sessionID), true, payload)
}

func (e *MQTTEmitter) send(topic string, retained bool, payload []byte) error {
	errFactory := errors.New()

	if !e.isConnected() {
		e.countError()
		return errFactory.WithMessage(errors.ErrUnavailable, "mqtt not connected")
	}

	token := e.client.Publish(topic, byte(e.cfg.QoS), retained, payload)
	if err := wait(context.Background(), token, e.cfg.PublishTimeout); err != nil {
		e.countError()
		return errFactory.Wrap(errors.ErrOperationFailed, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.log.Debug().
		Str("topic", topic).
		Int("qos", e.cfg.QoS).
		Int("size", len(payload)).
		Msg("DataPoint published")

	return nil
}

// Sink returns a session subscriber that queues DataPoints for the
// publish worker. When the queue is full the DataPoint is dropped so a
// slow broker never holds up the capture loop.
func (e *MQTTEmitter) Sink(sessionID string) func(telemetry.DataPoint) {
	return func(dp telemetry.DataPoint) {
		select {
		case e.queue <- message{sessionID: sessionID, dp: dp}:
		default:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
		}
	}
}

func (e *MQTTEmitter) worker() {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			e.drain()
			return
		case m := <-e.queue:
			if err := e.Publish(m.sessionID, m.dp); err != nil {
				e.log.Debug().Err(err).Msg("Failed to publish queued DataPoint")
			}
		}
	}
}

func (e *MQTTEmitter) drain() {
	for {
		select {
		case m := <-e.queue:
			if err := e.Publish(m.sessionID, m.dp); err != nil {
				e.log.Debug().Err(err).Msg("Failed to publish queued DataPoint")
			}
		default:
			return
		}
	}
}

// Disconnect flushes the queue and closes the connection.
func (e *MQTTEmitter) Disconnect() {
	e.stopOnce.Do(func() {
		close(e.stop)
		if e.running.Load() {
			<-e.done
		}
	})

	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.log.Info().Msg("MQTT disconnected")
	}

	e.setConnected(false)
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func DataTopic(prefix, sessionID string) string {
	return fmt.Sprintf("%s/%s/datapoints", prefix, sessionID)
}

func StatusTopic(prefix, sessionID string) string {
	return fmt.Sprintf("%s/%s/status", prefix, sessionID)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}

	return "tcp://" + broker
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New().New(errors.ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
