package store

import (
	"time"

	"zigbee-go-deconz/internal/zdo"
)

// Device represents a Zigbee device.
type Device struct {
	IEEEAddress      string     `json:"ieee_address"`
	NetworkAddress   uint16     `json:"network_address"`
	DeviceType       string     `json:"device_type,omitempty"`
	ManufacturerCode uint16     `json:"manufacturer_code,omitempty"`
	Capabilities     uint8      `json:"capabilities,omitempty"`
	Manufacturer     string     `json:"manufacturer,omitempty"`
	Model            string     `json:"model,omitempty"`
	FriendlyName     string     `json:"friendly_name,omitempty"`
	Endpoints        []Endpoint `json:"endpoints,omitempty"`
	Interviewed      bool       `json:"interviewed"`
	InterviewError   string     `json:"interview_error,omitempty"`
	JoinedAt         time.Time  `json:"joined_at"`
	LastSeen         time.Time  `json:"last_seen"`
	LQI              uint8      `json:"lqi,omitempty"`
	RSSI             int8       `json:"rssi,omitempty"`
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// EndpointFromDescriptor converts a simple descriptor.
func EndpointFromDescriptor(sd *zdo.SimpleDescriptor) Endpoint {
	return Endpoint{
		ID:          sd.Endpoint,
		ProfileID:   sd.ProfileID,
		DeviceID:    sd.DeviceID,
		InClusters:  sd.InputClusters,
		OutClusters: sd.OutputClusters,
	}
}

// NetworkState holds the network parameters last read from the radio.
type NetworkState struct {
	Channel          uint8     `json:"channel"`
	PanID            uint16    `json:"pan_id"`
	ExtPanID         string    `json:"ext_pan_id"`
	CoordinatorIEEE  string    `json:"coordinator_ieee"`
	FirmwareType     string    `json:"firmware_type,omitempty"`
	FirmwareRevision string    `json:"firmware_revision,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Topology is the neighbor and routing table of one node at ScannedAt.
type Topology struct {
	NetworkAddress uint16         `json:"network_address"`
	ScannedAt      time.Time      `json:"scanned_at"`
	Neighbors      []zdo.Neighbor `json:"neighbors"`
	Routes         []zdo.Route    `json:"routes"`
	Error          string         `json:"error,omitempty"`
}
