//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"kasa-go-home/internal/platform"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge mirrors hub entity states to MQTT with HA autodiscovery and turns
// command messages into service calls.
type Bridge struct {
	client pahomqtt.Client
	hub    *platform.Hub
	prefix string
	logger *slog.Logger
	unsubs []func()
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// entity id -> discovery topic of everything announced so far
	announced map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(hub *platform.Hub, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(hub, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "kasa-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) { b.onConnect() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(hub *platform.Hub, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		hub:       hub,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		announced: make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (b *Bridge) onConnect() {
	b.logger.Info("MQTT connected")
	b.publishBridgeState("online")
	b.publishAll()
	b.subscribeCommands()
}

// Start subscribes to hub events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsubs = append(b.unsubs,
		b.hub.Bus.On(platform.EventStateChanged, b.handleStateChanged),
		b.hub.Bus.On(platform.EventEntityRegistryUpdated, b.handleRegistryUpdated),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleStateChanged(event platform.Event) {
	change, ok := event.Data.(platform.StateChange)
	if !ok {
		return
	}
	if change.New == nil {
		b.publish(availabilityTopic(b.prefix, change.EntityID), []byte("offline"), true)
		return
	}
	b.announce(change.EntityID)
	b.publishState(change.New)
}

func (b *Bridge) handleRegistryUpdated(event platform.Event) {
	data, ok := event.Data.(map[string]any)
	if !ok || data["action"] != "remove" {
		return
	}
	entityID, _ := data["entity_id"].(string)

	b.mu.Lock()
	topic, ok := b.announced[entityID]
	delete(b.announced, entityID)
	b.mu.Unlock()
	if !ok {
		return
	}
	b.publish(topic, nil, true)
	b.logger.Info("removed HA discovery", "entity_id", entityID)
}

// announce publishes discovery for an entity the first time it is seen.
func (b *Bridge) announce(entityID string) {
	b.mu.Lock()
	_, done := b.announced[entityID]
	b.mu.Unlock()
	if done {
		return
	}
	e, ok := b.hub.Entity(entityID)
	if !ok {
		return
	}
	msg, ok := buildDiscovery(e, b.prefix)
	if !ok {
		return
	}

	b.mu.Lock()
	b.announced[entityID] = msg.Topic
	b.mu.Unlock()

	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Info("published HA discovery", "entity_id", entityID)
}

func (b *Bridge) publishState(st *platform.State) {
	available := "online"
	if st.State == platform.StateUnavailable {
		available = "offline"
	}
	b.publish(availabilityTopic(b.prefix, st.EntityID), []byte(available), true)
	if available == "offline" {
		return
	}
	b.publish(stateTopic(b.prefix, st.EntityID), statePayload(st), true)
}

// statePayload merges the state value into the attribute map. On/off values
// are upper-cased for HA.
func statePayload(st *platform.State) []byte {
	out := make(map[string]any, len(st.Attributes)+1)
	for k, v := range st.Attributes {
		out[k] = v
	}
	switch st.State {
	case platform.StateOn, platform.StateOff:
		out["state"] = strings.ToUpper(st.State)
	default:
		out["state"] = st.State
	}
	return mustJSON(out)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAll re-sends discovery and state for every live entity.
func (b *Bridge) publishAll() {
	b.mu.Lock()
	clear(b.announced)
	b.mu.Unlock()

	for _, id := range b.hub.LiveEntities() {
		b.announce(id)
		if st, ok := b.hub.States.Get(id); ok {
			b.publishState(&st)
		}
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	entityID := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")

	service, data, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "entity_id", entityID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.hub.CallService(ctx, service, entityID, data); err != nil {
		b.logger.Warn("command failed", "entity_id", entityID, "service", service, "err", err)
	}
}

var errEmptyCommand = errors.New("empty command")

// parseCommand maps a command payload to a service call. Accepted forms are
// a JSON object, a bare ON/OFF/TOGGLE word and a bare number.
func parseCommand(payload []byte) (string, map[string]any, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return "", nil, errEmptyCommand
	}

	if strings.HasPrefix(raw, "{") {
		var cmd map[string]any
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return "", nil, err
		}
		return parseJSONCommand(cmd)
	}

	if service, ok := stateService(raw); ok {
		return service, nil, nil
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return platform.ServiceSetValue, map[string]any{"value": v}, nil
	}
	return "", nil, fmt.Errorf("unknown command %q", raw)
}

func parseJSONCommand(cmd map[string]any) (string, map[string]any, error) {
	if v, ok := toFloat64(cmd["value"]); ok {
		return platform.ServiceSetValue, map[string]any{"value": v}, nil
	}

	data := make(map[string]any)
	for _, key := range []string{"brightness", "color_temp_kelvin"} {
		if v, ok := toFloat64(cmd[key]); ok {
			data[key] = v
		}
	}

	service := platform.ServiceTurnOn
	if s, ok := cmd["state"].(string); ok {
		var known bool
		if service, known = stateService(s); !known {
			return "", nil, fmt.Errorf("unknown state %q", s)
		}
	} else if len(data) == 0 {
		return "", nil, errEmptyCommand
	}
	if service != platform.ServiceTurnOn {
		data = nil
	}
	return service, data, nil
}

func stateService(s string) (string, bool) {
	switch strings.ToUpper(s) {
	case "ON":
		return platform.ServiceTurnOn, true
	case "OFF":
		return platform.ServiceTurnOff, true
	case "TOGGLE":
		return platform.ServiceToggle, true
	}
	return "", false
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
