// Package mqtt provides MQTT publishing for Home Assistant integration.
// It defines the Publisher interface and includes both a StubPublisher (no-op)
// and a full HAPublisher that connects to an MQTT broker, publishes HA
// auto-discovery configs for the door lock, relays lock commands to the
// orchestrator, and forwards lock and motion events from the EventBus.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/trymwestin/lockd/internal/core/state"
)

const (
	connectTimeout = 10 * time.Second
	commandTimeout = 10 * time.Second
	motionOffDelay = 30 // seconds
	eventBuffer    = 128
)

// ---------------------------------------------------------------------------
// Publisher interface
// ---------------------------------------------------------------------------

// Publisher sends events and state to an MQTT broker.
type Publisher interface {
	// Start begins publishing events from the event bus.
	Start(ctx context.Context) error
	// Stop shuts down the publisher.
	Stop(ctx context.Context) error
}

// ---------------------------------------------------------------------------
// StubPublisher (no-op, used when MQTT is disabled)
// ---------------------------------------------------------------------------

// StubPublisher is a no-op publisher for when MQTT is not configured.
type StubPublisher struct {
	log *slog.Logger
}

// NewStubPublisher creates a no-op MQTT publisher.
func NewStubPublisher(log *slog.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Start is a no-op.
func (s *StubPublisher) Start(_ context.Context) error {
	s.log.Info("MQTT publisher disabled (stub)")
	return nil
}

// Stop is a no-op.
func (s *StubPublisher) Stop(_ context.Context) error {
	return nil
}

var _ Publisher = (*StubPublisher)(nil)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	DeviceID    string
	DoorName    string
}

// ---------------------------------------------------------------------------
// LockCommander – abstraction over the orchestrator
// ---------------------------------------------------------------------------

// LockCommander applies lock commands without importing the orchestrator.
type LockCommander interface {
	Command(ctx context.Context, cmd, actor string) (state.LockState, error)
	LockState() state.LockState
}

// ---------------------------------------------------------------------------
// HAPublisher – full Home Assistant MQTT implementation
// ---------------------------------------------------------------------------

var _ Publisher = (*HAPublisher)(nil)

// HAPublisher publishes Home Assistant auto-discovery configs, subscribes to
// the lock command topic, and forwards lock and motion events.
type HAPublisher struct {
	cfg  MQTTConfig
	door LockCommander
	bus  *state.EventBus
	log  *slog.Logger

	client pahomqtt.Client

	unsub func() // EventBus unsubscribe
	stopC chan struct{}
	wg    sync.WaitGroup
}

// NewHAPublisher creates a new Home Assistant MQTT publisher.
func NewHAPublisher(cfg MQTTConfig, door LockCommander, bus *state.EventBus, log *slog.Logger) *HAPublisher {
	return &HAPublisher{
		cfg:   cfg,
		door:  door,
		bus:   bus,
		log:   log,
		stopC: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

// Start connects to the MQTT broker and starts listening on the EventBus.
// Discovery, command subscriptions and the state snapshot are (re)published
// on every connect.
func (p *HAPublisher) Start(_ context.Context) error {
	availTopic := p.topic("status")

	opts := pahomqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(fmt.Sprintf("lockd-%s-%s", p.cfg.DeviceID, uuid.NewString()[:8])).
		SetUsername(p.cfg.Username).
		SetPassword(p.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availTopic, "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.log.Info("MQTT connected, publishing discovery and state")
			p.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.log.Warn("MQTT connection lost", "error", err)
		})

	p.client = pahomqtt.NewClient(opts)

	// with ConnectRetry the token only completes once the broker answers
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		p.log.Warn("MQTT broker not reachable yet, retrying in background", "broker", p.cfg.Broker)
	} else if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.listen()
	p.log.Info("MQTT publisher started", "broker", p.cfg.Broker)
	return nil
}

func (p *HAPublisher) listen() {
	evtCh, unsub := p.bus.Subscribe(eventBuffer)
	p.unsub = unsub

	p.wg.Add(1)
	go p.eventLoop(evtCh)
}

// Stop publishes offline, disconnects from the broker and stops the event loop.
func (p *HAPublisher) Stop(_ context.Context) error {
	p.log.Info("MQTT publisher stopping")

	close(p.stopC)
	if p.unsub != nil {
		p.unsub()
	}
	p.wg.Wait()

	if p.client != nil && p.client.IsConnected() {
		p.publish(p.topic("status"), "offline", true)
		p.client.Disconnect(1000)
	}
	p.log.Info("MQTT publisher stopped")
	return nil
}

// ---------------------------------------------------------------------------
// onConnect – called on every (re)connect
// ---------------------------------------------------------------------------

func (p *HAPublisher) onConnect() {
	p.publish(p.topic("status"), "online", true)
	p.publishDiscovery()
	p.subscribeCommands()

	p.client.Subscribe("homeassistant/status", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if string(msg.Payload()) == "online" {
			p.log.Info("Home Assistant came online, re-publishing discovery")
			p.publishDiscovery()
			p.publishFullState()
		}
	})

	p.publishFullState()
}

// ---------------------------------------------------------------------------
// Discovery configs
// ---------------------------------------------------------------------------

func (p *HAPublisher) deviceInfo() map[string]interface{} {
	return map[string]interface{}{
		"identifiers":  []string{p.cfg.DeviceID},
		"name":         p.cfg.DoorName,
		"manufacturer": "lockd",
		"model":        "Smart Lock Entry",
	}
}

// discoveryTopic builds the HA auto-discovery topic.
func discoveryTopic(component, deviceID, objectID string) string {
	return fmt.Sprintf("homeassistant/%s/%s_%s/config", component, deviceID, objectID)
}

func (p *HAPublisher) publishDiscovery() {
	dev := p.deviceInfo()
	avail := map[string]interface{}{
		"topic": p.topic("status"),
	}
	id := p.cfg.DeviceID

	p.publishDiscoveryConfig("lock", "lock", map[string]interface{}{
		"name":           fmt.Sprintf("%s Lock", p.cfg.DoorName),
		"unique_id":      fmt.Sprintf("%s_lock", id),
		"state_topic":    p.topic("lock/state"),
		"command_topic":  p.topic("lock/set"),
		"payload_lock":   "LOCK",
		"payload_unlock": "UNLOCK",
		"state_locked":   "LOCKED",
		"state_unlocked": "UNLOCKED",
		"device":         dev,
		"availability":   avail,
	})

	p.publishDiscoveryConfig("binary_sensor", "motion", map[string]interface{}{
		"name":         fmt.Sprintf("%s Motion", p.cfg.DoorName),
		"unique_id":    fmt.Sprintf("%s_motion", id),
		"state_topic":  p.topic("motion/state"),
		"device_class": "motion",
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"off_delay":    motionOffDelay,
		"device":       dev,
		"availability": avail,
	})

	p.publishDiscoveryConfig("sensor", "last_clip", map[string]interface{}{
		"name":         fmt.Sprintf("%s Last Clip", p.cfg.DoorName),
		"unique_id":    fmt.Sprintf("%s_last_clip", id),
		"state_topic":  p.topic("clip/state"),
		"icon":         "mdi:cctv",
		"device":       dev,
		"availability": avail,
	})
}

func (p *HAPublisher) publishDiscoveryConfig(component, objectID string, payload map[string]interface{}) {
	topic := discoveryTopic(component, p.cfg.DeviceID, objectID)
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("failed to marshal discovery config", "component", component, "object_id", objectID, "error", err)
		return
	}
	p.publish(topic, string(data), true)
}

// ---------------------------------------------------------------------------
// Command subscriptions
// ---------------------------------------------------------------------------

func (p *HAPublisher) subscribeCommands() {
	t := p.topic("lock/set")
	token := p.client.Subscribe(t, 1, p.handleLockCmd)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("failed to subscribe to command topic", "topic", t, "error", err)
	}
}

func (p *HAPublisher) handleLockCmd(_ pahomqtt.Client, msg pahomqtt.Message) {
	cmd := strings.ToLower(strings.TrimSpace(string(msg.Payload())))
	p.log.Info("MQTT command: lock", "command", cmd)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := p.door.Command(ctx, cmd, "mqtt"); err != nil {
		p.log.Error("failed to apply lock command", "command", cmd, "error", err)
		// re-assert the real state so HA does not show an optimistic value
		p.publishLockState(p.door.LockState().IsLocked)
	}
}

// ---------------------------------------------------------------------------
// State publishing
// ---------------------------------------------------------------------------

func (p *HAPublisher) publishFullState() {
	p.publishLockState(p.door.LockState().IsLocked)
}

func (p *HAPublisher) publishLockState(locked bool) {
	p.publish(p.topic("lock/state"), lockedPayload(locked), true)
}

// ---------------------------------------------------------------------------
// EventBus loop
// ---------------------------------------------------------------------------

func (p *HAPublisher) eventLoop(ch <-chan state.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopC:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(evt)
		}
	}
}

func (p *HAPublisher) handleEvent(evt state.Event) {
	switch evt.Type {
	case state.EventLockChanged:
		lc, ok := evt.Data.(state.LockChanged)
		if !ok {
			p.log.Warn("unexpected data type for lock_state")
			return
		}
		p.publishLockState(lc.IsLocked)

	case state.EventMotionDetected:
		md, ok := evt.Data.(state.MotionDetected)
		if !ok {
			p.log.Warn("unexpected data type for motion_detected")
			return
		}
		// HA clears the sensor after off_delay
		p.publish(p.topic("motion/state"), "ON", false)
		p.publish(p.topic("clip/state"), md.Clip, true)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// topic builds a full topic path: {prefix}/{device_id}/{suffix}.
func (p *HAPublisher) topic(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, p.cfg.DeviceID, suffix)
}

// publish is a convenience wrapper that publishes a message and logs errors.
func (p *HAPublisher) publish(topic, payload string, retained bool) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		p.log.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

func lockedPayload(locked bool) string {
	if locked {
		return "LOCKED"
	}
	return "UNLOCKED"
}
