//go:build !no_mqtt

// Package mqtt mirrors coordinator events, device state and Home Assistant
// discovery onto an MQTT broker and serves permit-join and topology requests.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"
	"zigbee-go-deconz/internal/zcl"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	commandTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Network is the coordinator surface the bridge drives.
type Network interface {
	Events() *event.Bus
	Registry() *zcl.Registry
	PermitJoin(ctx context.Context, duration uint8) error
	ScanTopology(ctx context.Context, nwk uint16) (*store.Topology, error)
	SendClusterCommand(ctx context.Context, addr uint16, endpoint uint8, group bool, clusterID uint16, commandID uint8, payload []byte) error
}

// Devices looks up known devices.
type Devices interface {
	ListDevices() ([]*store.Device, error)
	GetDevice(ieee string) (*store.Device, error)
	GetDeviceByAddress(nwk uint16) (*store.Device, error)
}

// Bridge connects the coordinator to MQTT.
type Bridge struct {
	client  pahomqtt.Client
	net     Network
	devices Devices
	prefix  string
	logger  *slog.Logger
	now     func() time.Time
	unsub   func()
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
}

func newBridge(net Network, devices Devices, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		net:     net,
		devices: devices,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		now:     time.Now,
		states:  make(map[string]map[string]any),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(net Network, devices Devices, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(net, devices, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zigbee-go-deconz"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt: connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt: connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.net.Events().Subscribe(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) topic(parts ...string) string {
	return b.prefix + "/" + strings.Join(parts, "/")
}

// onConnect runs after every (re)connect: subscriptions do not survive a
// clean session.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.client.Subscribe(b.topic("+", "set"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSetMessage(msg.Topic(), msg.Payload())
	})
	b.client.Subscribe(b.topic("request", "+"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		name := strings.TrimPrefix(msg.Topic(), b.topic("request")+"/")
		payload := msg.Payload()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleRequest(name, payload)
		}()
	})
	b.publishAllDiscovery()
}

func (b *Bridge) handleEvent(ev event.Event) {
	if data, err := event.Marshal(ev); err != nil {
		b.logger.Error("marshal event", "type", ev.Kind(), "err", err)
	} else {
		b.publish(b.topic("event", string(ev.Kind())), data, false)
	}

	switch ev := ev.(type) {
	case event.ZCLData:
		b.handleZCLData(ev)
	case event.DeviceInterviewed:
		if !ev.Success {
			return
		}
		dev, err := b.devices.GetDevice(ev.IEEEAddress)
		if err != nil {
			b.logger.Warn("interviewed device not stored", "ieee", ev.IEEEAddress, "err", err)
			return
		}
		b.publishDeviceDiscovery(dev)
	case event.DeviceLeave:
		b.handleDeviceLeft(ev.IEEEAddress)
	}
}

// sender resolves the device that sent a frame, preferring its IEEE address.
func (b *Bridge) sender(nwk uint16, ieee string) (*store.Device, error) {
	if ieee != "" {
		return b.devices.GetDevice(ieee)
	}
	return b.devices.GetDeviceByAddress(nwk)
}

// handleZCLData turns attribute reports and read responses into device
// state properties.
func (b *Bridge) handleZCLData(d event.ZCLData) {
	f := d.Frame
	if f == nil || f.Header.FrameControl.FrameType != zcl.FrameTypeGlobal {
		return
	}
	if f.Header.CommandID != zcl.FoundationReportAttributes && f.Header.CommandID != zcl.FoundationReadAttributesResponse {
		return
	}
	dev, err := b.sender(d.Address, d.IEEEAddress)
	if err != nil {
		return
	}

	props := make(map[string]any)
	for _, p := range f.Payload {
		var id uint16
		var value any
		switch r := p.(type) {
		case zcl.AttributeRecord:
			id, value = r.ID, r.Value
		case zcl.ReadRecord:
			if r.Status != zcl.ZCLStatusSuccess {
				continue
			}
			id, value = r.ID, r.Value
		default:
			continue
		}
		name := b.net.Registry().AttributeName(f.ClusterID, id)
		prop := mapAttributeToProperty(f.ClusterID, name)
		if prop == "" {
			continue
		}
		if v, ok := convertProperty(prop, value); ok {
			props[prop] = v
		}
	}
	if len(props) == 0 {
		return
	}
	lqi := d.LinkQuality
	if lqi == 0 {
		lqi = dev.LQI
	}
	b.updateAndPublishState(dev, props, lqi)
}

func (b *Bridge) updateAndPublishState(dev *store.Device, props map[string]any, lqi uint8) {
	b.mu.Lock()
	state, ok := b.states[dev.IEEEAddress]
	if !ok {
		state = make(map[string]any)
		b.states[dev.IEEEAddress] = state
	}
	for k, v := range props {
		state[k] = v
	}
	state["linkquality"] = lqi
	state["last_seen"] = b.now().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.topic(deviceTopicName(dev)), payload, true)
}

func (b *Bridge) handleDeviceLeft(ieee string) {
	if ieee == "" {
		return
	}
	for _, msg := range buildRemoveDiscovery(&store.Device{IEEEAddress: ieee}) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	delete(b.states, ieee)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge", "state"), []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.devices.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		if dev.Interviewed {
			b.publishDeviceDiscovery(dev)
		}
	}
}

func (b *Bridge) publishDeviceDiscovery(dev *store.Device) {
	for _, msg := range buildDiscovery(dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", dev.IEEEAddress, "name", deviceDisplayName(dev))
}

// handleSetMessage routes <prefix>/<device>/set to the device whose topic
// name matches.
func (b *Bridge) handleSetMessage(topic string, payload []byte) {
	name := strings.TrimSuffix(strings.TrimPrefix(topic, b.prefix+"/"), "/set")
	devices, err := b.devices.ListDevices()
	if err != nil {
		b.logger.Error("list devices for command", "err", err)
		return
	}
	for _, dev := range devices {
		if deviceTopicName(dev) == name {
			b.handleCommand(dev, payload)
			return
		}
	}
	b.logger.Warn("command for unknown device", "topic", topic)
}

func (b *Bridge) handleCommand(dev *store.Device, payload []byte) {
	ep, ok := commandEndpoint(dev)
	if !ok {
		return
	}

	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "ieee", dev.IEEEAddress, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	send := func(clusterID uint16, commandID uint8, payload []byte) error {
		return b.net.SendClusterCommand(ctx, dev.NetworkAddress, ep, false, clusterID, commandID, payload)
	}

	if state, ok := cmd["state"].(string); ok {
		switch strings.ToUpper(state) {
		case "ON":
			if err := send(0x0006, 0x01, nil); err != nil {
				b.logger.Warn("on command failed", "ieee", dev.IEEEAddress, "err", err)
			} else {
				b.updateAndPublishState(dev, map[string]any{"state": "ON"}, dev.LQI)
			}
		case "OFF":
			if err := send(0x0006, 0x00, nil); err != nil {
				b.logger.Warn("off command failed", "ieee", dev.IEEEAddress, "err", err)
			} else {
				b.updateAndPublishState(dev, map[string]any{"state": "OFF"}, dev.LQI)
			}
		case "TOGGLE":
			if err := send(0x0006, 0x02, nil); err != nil {
				b.logger.Warn("toggle command failed", "ieee", dev.IEEEAddress, "err", err)
			}
		}
	}

	if brightness, ok := toFloat64(cmd["brightness"]); ok {
		level := uint8(min(max(brightness, 0), 254))
		// Move to Level with On/Off, transition time 0.5s.
		if err := send(0x0008, 0x04, []byte{level, 0x05, 0x00}); err != nil {
			b.logger.Warn("brightness command failed", "ieee", dev.IEEEAddress, "err", err)
		} else {
			b.updateAndPublishState(dev, map[string]any{"brightness": level}, dev.LQI)
		}
	}
}

// commandEndpoint picks the first endpoint serving On/Off, else the first.
func commandEndpoint(dev *store.Device) (uint8, bool) {
	if len(dev.Endpoints) == 0 {
		return 0, false
	}
	for _, ep := range dev.Endpoints {
		for _, c := range ep.InClusters {
			if c == 0x0006 {
				return ep.ID, true
			}
		}
	}
	return dev.Endpoints[0].ID, true
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// mapAttributeToProperty maps well-known cluster/attribute combos to property names.
func mapAttributeToProperty(clusterID uint16, attrName string) string {
	switch clusterID {
	case 0x0006: // On/Off
		if attrName == "OnOff" {
			return "state"
		}
	case 0x0008: // Level Control
		if attrName == "CurrentLevel" {
			return "brightness"
		}
	case 0x000C: // Analog Input
		if attrName == "PresentValue" {
			return "analog"
		}
	case 0x0402: // Temperature
		if attrName == "MeasuredValue" {
			return "temperature"
		}
	case 0x0405: // Humidity
		if attrName == "MeasuredValue" {
			return "humidity"
		}
	case 0x0403: // Pressure
		if attrName == "MeasuredValue" {
			return "pressure"
		}
	case 0x0400: // Illuminance
		if attrName == "MeasuredValue" {
			return "illuminance"
		}
	case 0x0406: // Occupancy
		if attrName == "Occupancy" {
			return "occupancy"
		}
	case 0x0500: // IAS Zone
		if attrName == "ZoneStatus" {
			return "zone_status"
		}
	case 0x0001: // Power Configuration
		if attrName == "BatteryPercentageRemaining" {
			return "battery"
		}
	}
	return ""
}

// convertProperty scales a raw attribute value to its published form.
func convertProperty(prop string, value any) (any, bool) {
	if prop == "state" {
		if on, ok := value.(bool); ok {
			return onOff(on), true
		}
	}
	n, ok := toFloat64(value)
	if !ok {
		return nil, false
	}
	switch prop {
	case "state":
		return onOff(n != 0), true
	case "temperature", "humidity":
		return n / 100, true
	case "battery":
		return n / 2, true
	case "occupancy":
		return uint64(n)&0x01 != 0, true
	case "zone_status":
		// Alarm1 or Alarm2.
		return uint64(n)&0x03 != 0, true
	}
	return n, true
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
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
