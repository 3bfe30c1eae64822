//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zigbee-go-deconz/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/zigbee_00158d.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	ValueTemplate       string   `json:"value_template,omitempty"`
	UnitOfMeasurement   string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	PayloadOn           string   `json:"payload_on,omitempty"`
	PayloadOff          string   `json:"payload_off,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Schema              string   `json:"schema,omitempty"`
	Device              haDevice `json:"device"`
}

// entity describes one read-only HA entity fed from the device state topic.
type entity struct {
	cluster   uint16 // 0 for entities every device gets
	component string // sensor or binary_sensor
	object    string // state property and object ID
	suffix    string
	class     string
	unit      string
}

var entities = []entity{
	{0x0402, "sensor", "temperature", "Temperature", "temperature", "°C"},
	{0x0405, "sensor", "humidity", "Humidity", "humidity", "%"},
	{0x0403, "sensor", "pressure", "Pressure", "pressure", "hPa"},
	{0x0400, "sensor", "illuminance", "Illuminance", "illuminance", "lx"},
	{0x0001, "sensor", "battery", "Battery", "battery", "%"},
	{0x000C, "sensor", "analog", "Analog Input", "", ""},
	{0x0406, "binary_sensor", "occupancy", "Occupancy", "occupancy", ""},
	{0x0500, "binary_sensor", "zone_status", "Zone", "safety", ""},
	// LQI is unitless, so no signal_strength device class.
	{0, "sensor", "linkquality", "Link Quality", "", "lqi"},
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	if dev.Model != "" {
		return dev.Model
	}
	return dev.IEEEAddress
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "zigbee_" + strings.TrimPrefix(dev.IEEEAddress, "0x")
}

// deviceTopicName returns the topic name for a device (friendly name or IEEE).
func deviceTopicName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, strings.ToLower(dev.FriendlyName))
	}
	return dev.IEEEAddress
}

func configTopic(component, nodeID, object string) string {
	return fmt.Sprintf("homeassistant/%s/%s/%s/config", component, nodeID, object)
}

// buildDiscovery generates HA discovery messages for a device based on its
// server clusters.
func buildDiscovery(dev *store.Device, prefix string) []discoveryMsg {
	if !dev.Interviewed || len(dev.Endpoints) == 0 {
		return nil
	}

	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)
	base := haDiscovery{
		StateTopic:        prefix + "/" + deviceTopicName(dev),
		AvailabilityTopic: prefix + "/bridge/state",
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			Name:         displayName,
		},
	}

	hasCluster := make(map[uint16]bool)
	for _, ep := range dev.Endpoints {
		for _, cid := range ep.InClusters {
			hasCluster[cid] = true
		}
	}

	var msgs []discoveryMsg

	// On/Off with Level Control is a light, On/Off alone a switch.
	if hasCluster[0x0006] {
		p := base
		p.Name = displayName
		p.CommandTopic = base.StateTopic + "/set"
		component := "switch"
		if hasCluster[0x0008] {
			component = "light"
			p.SupportedColorModes = []string{"brightness"}
			p.BrightnessScale = 254
			p.Schema = "json"
		} else {
			p.ValueTemplate = "{{ value_json.state }}"
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		}
		p.UniqueID = nodeID + "_" + component
		msgs = append(msgs, discoveryMsg{Topic: configTopic(component, nodeID, component), Payload: mustJSON(p)})
	}

	for _, e := range entities {
		if e.cluster != 0 && !hasCluster[e.cluster] {
			continue
		}
		p := base
		p.Name = displayName + " " + e.suffix
		p.UniqueID = nodeID + "_" + e.object
		p.DeviceClass = e.class
		if e.component == "binary_sensor" {
			p.ValueTemplate = fmt.Sprintf("{{ 'ON' if value_json.%s else 'OFF' }}", e.object)
			p.PayloadOn, p.PayloadOff = "ON", "OFF"
		} else {
			p.ValueTemplate = fmt.Sprintf("{{ value_json.%s }}", e.object)
			p.UnitOfMeasurement = e.unit
			p.StateClass = "measurement"
		}
		msgs = append(msgs, discoveryMsg{Topic: configTopic(e.component, nodeID, e.object), Payload: mustJSON(p)})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(dev *store.Device) []discoveryMsg {
	nodeID := deviceIdentifier(dev)
	msgs := []discoveryMsg{
		{Topic: configTopic("light", nodeID, "light")},
		{Topic: configTopic("switch", nodeID, "switch")},
	}
	for _, e := range entities {
		msgs = append(msgs, discoveryMsg{Topic: configTopic(e.component, nodeID, e.object)})
	}
	return msgs
}
