// Package event defines the typed events pushed from the radio adapter to the
// application, and the bus they are dispatched on.
package event

import (
	"encoding/json"

	"zigbee-go-deconz/internal/zcl"
)

// Kind names an event variant.
type Kind string

const (
	KindDeviceJoined      Kind = "device_joined"
	KindDeviceAnnounce    Kind = "device_announce"
	KindDeviceLeave       Kind = "device_leave"
	KindZCLData           Kind = "zcl_data"
	KindRawData           Kind = "raw_data"
	KindPermitJoin        Kind = "permit_join"
	KindDeviceInterviewed Kind = "device_interviewed"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// DeviceJoined is emitted for a device announcement received while joining
// is permitted.
type DeviceJoined struct {
	NetworkAddress uint16 `json:"networkAddress"`
	IEEEAddress    string `json:"ieeeAddr"`
	Capabilities   uint8  `json:"capabilities"`
}

// DeviceAnnounce is emitted for a device announcement received while joining
// is closed, typically a device that rejoined with a new network address.
type DeviceAnnounce struct {
	NetworkAddress uint16 `json:"networkAddress"`
	IEEEAddress    string `json:"ieeeAddr"`
	Capabilities   uint8  `json:"capabilities"`
}

// DeviceLeave is emitted after a device was told to leave the network.
type DeviceLeave struct {
	NetworkAddress uint16 `json:"networkAddress"`
	IEEEAddress    string `json:"ieeeAddr"`
}

// ZCLData carries a successfully decoded ZCL frame. IEEEAddress is set when
// the sender included it; a sender known only by IEEE address has Address 0.
type ZCLData struct {
	Address     uint16     `json:"address"`
	IEEEAddress string     `json:"ieeeAddr,omitempty"`
	Endpoint    uint8      `json:"endpoint"`
	DstEndpoint uint8      `json:"dstEndpoint"`
	GroupID     uint16     `json:"groupId,omitempty"`
	LinkQuality uint8      `json:"linkquality"`
	RSSI        int8       `json:"rssi"`
	Frame       *zcl.Frame `json:"frame"`
}

// RawData carries a non-ZDO payload that could not be decoded as ZCL. Its
// addressing follows ZCLData.
type RawData struct {
	Address     uint16 `json:"address"`
	IEEEAddress string `json:"ieeeAddr,omitempty"`
	Endpoint    uint8  `json:"endpoint"`
	DstEndpoint uint8  `json:"dstEndpoint"`
	GroupID     uint16 `json:"groupId,omitempty"`
	ProfileID   uint16 `json:"profileId"`
	ClusterID   uint16 `json:"clusterId"`
	LinkQuality uint8  `json:"linkquality"`
	RSSI        int8   `json:"rssi"`
	Data        []byte `json:"data"`
	Reason      string `json:"reason,omitempty"`
}

// PermitJoinChanged reports the coordinator opening or closing the network.
type PermitJoinChanged struct {
	Permitted bool  `json:"permitted"`
	Seconds   uint8 `json:"seconds"`
}

// DeviceInterviewed reports the outcome of reading a new device's descriptors.
type DeviceInterviewed struct {
	IEEEAddress    string `json:"ieeeAddr"`
	NetworkAddress uint16 `json:"networkAddress"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
}

func (DeviceJoined) Kind() Kind      { return KindDeviceJoined }
func (DeviceAnnounce) Kind() Kind    { return KindDeviceAnnounce }
func (DeviceLeave) Kind() Kind       { return KindDeviceLeave }
func (ZCLData) Kind() Kind           { return KindZCLData }
func (RawData) Kind() Kind           { return KindRawData }
func (PermitJoinChanged) Kind() Kind { return KindPermitJoin }
func (DeviceInterviewed) Kind() Kind { return KindDeviceInterviewed }

func (DeviceJoined) sealed()      {}
func (DeviceAnnounce) sealed()    {}
func (DeviceLeave) sealed()       {}
func (ZCLData) sealed()           {}
func (RawData) sealed()           {}
func (PermitJoinChanged) sealed() {}
func (DeviceInterviewed) sealed() {}

// Marshal encodes an event as {"type": kind, "data": event}.
func Marshal(ev Event) ([]byte, error) {
	return json.Marshal(struct {
		Type Kind  `json:"type"`
		Data Event `json:"data"`
	}{ev.Kind(), ev})
}
