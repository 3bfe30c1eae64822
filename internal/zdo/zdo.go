// Package zdo builds and parses Zigbee Device Profile payloads.
//
// Every payload starts with the ZDP transaction sequence number. Responses
// carry a status byte right after it.
package zdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-go-deconz/internal/zcl"
)

// ZDP requests and responses are sent on profile 0, endpoint 0.
const (
	ProfileID uint16 = 0x0000
	Endpoint  uint8  = 0x00
)

// ZDP cluster IDs. A response cluster is its request cluster with bit 15 set.
const (
	NodeDescriptorRequest    uint16 = 0x0002
	SimpleDescriptorRequest  uint16 = 0x0004
	ActiveEndpointsRequest   uint16 = 0x0005
	DeviceAnnounce           uint16 = 0x0013
	BindRequest              uint16 = 0x0021
	UnbindRequest            uint16 = 0x0022
	MgmtLQIRequest           uint16 = 0x0031
	MgmtRoutingRequest       uint16 = 0x0032
	MgmtLeaveRequest         uint16 = 0x0034
	MgmtPermitJoinRequest    uint16 = 0x0036
	NodeDescriptorResponse   uint16 = 0x8002
	SimpleDescriptorResponse uint16 = 0x8004
	ActiveEndpointsResponse  uint16 = 0x8005
	BindResponse             uint16 = 0x8021
	UnbindResponse           uint16 = 0x8022
	MgmtLQIResponse          uint16 = 0x8031
	MgmtRoutingResponse      uint16 = 0x8032
	MgmtLeaveResponse        uint16 = 0x8034
	MgmtPermitJoinResponse   uint16 = 0x8036
)

// ResponseCluster returns the response cluster for a request cluster.
func ResponseCluster(req uint16) uint16 { return req | 0x8000 }

// Address modes used in bind requests.
const (
	AddrModeGroup uint8 = 0x01
	AddrModeIEEE  uint8 = 0x03
)

// BroadcastRouters addresses all routers and the coordinator.
const BroadcastRouters uint16 = 0xFFFC

// Logical device types from the node descriptor.
const (
	LogicalTypeCoordinator uint8 = 0
	LogicalTypeRouter      uint8 = 1
	LogicalTypeEndDevice   uint8 = 2
)

// ErrRemoteStatus reports a ZDP response with a non-success status.
var ErrRemoteStatus = errors.New("zdo: remote status")

// StatusError carries the failing response cluster and status.
type StatusError struct {
	Cluster uint16
	Status  uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zdo: response 0x%04X status 0x%02X", e.Cluster, e.Status)
}

func (e *StatusError) Is(target error) bool { return target == ErrRemoteStatus }

// CheckStatus returns a *StatusError when the response status is not success.
func CheckStatus(cluster uint16, asdu []byte) error {
	if len(asdu) < 2 {
		return fmt.Errorf("%w: zdo response 0x%04X of %d bytes", zcl.ErrMalformedData, cluster, len(asdu))
	}
	if asdu[1] != 0 {
		return &StatusError{Cluster: cluster, Status: asdu[1]}
	}
	return nil
}

// FormatIEEE renders 8 little-endian address bytes in canonical form.
func FormatIEEE(b []byte) string {
	return zcl.FormatUint64(binary.LittleEndian.Uint64(b))
}

// ParseIEEE parses a canonical "0x"-prefixed IEEE address.
func ParseIEEE(s string) (uint64, error) {
	v, err := zcl.ParseUint64(s)
	if err != nil {
		return 0, fmt.Errorf("zdo: ieee address %q: %w", s, err)
	}
	return v, nil
}

// NodeDescriptorPayload builds a node descriptor request for nwk.
func NodeDescriptorPayload(tsn uint8, nwk uint16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{tsn}, nwk)
}

// ActiveEndpointsPayload builds an active endpoints request for nwk.
func ActiveEndpointsPayload(tsn uint8, nwk uint16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{tsn}, nwk)
}

// SimpleDescriptorPayload builds a simple descriptor request.
func SimpleDescriptorPayload(tsn uint8, nwk uint16, endpoint uint8) []byte {
	return append(binary.LittleEndian.AppendUint16([]byte{tsn}, nwk), endpoint)
}

// TablePayload builds a management LQI or routing table request.
func TablePayload(tsn, startIndex uint8) []byte {
	return []byte{tsn, startIndex}
}

// PermitJoinPayload builds a management permit join request. The trust
// center significance flag is always zero.
func PermitJoinPayload(tsn, seconds uint8) []byte {
	return []byte{tsn, seconds, 0}
}

// LeavePayload builds a management leave request. A zero ieee asks the
// receiving device to leave itself.
func LeavePayload(tsn uint8, ieee uint64) []byte {
	b := binary.LittleEndian.AppendUint64([]byte{tsn}, ieee)
	return append(b, 0)
}

// Binding describes one bind table entry. A group binding sets GroupID and
// ignores DstIEEE and DstEndpoint.
type Binding struct {
	SrcIEEE     uint64
	SrcEndpoint uint8
	ClusterID   uint16
	Group       bool
	GroupID     uint16
	DstIEEE     uint64
	DstEndpoint uint8
}

// BindPayload builds a bind or unbind request; both share the layout.
func BindPayload(tsn uint8, b Binding) []byte {
	out := binary.LittleEndian.AppendUint64([]byte{tsn}, b.SrcIEEE)
	out = append(out, b.SrcEndpoint)
	out = binary.LittleEndian.AppendUint16(out, b.ClusterID)
	if b.Group {
		out = append(out, AddrModeGroup)
		return binary.LittleEndian.AppendUint16(out, b.GroupID)
	}
	out = append(out, AddrModeIEEE)
	out = binary.LittleEndian.AppendUint64(out, b.DstIEEE)
	return append(out, b.DstEndpoint)
}

// NodeDescriptor holds the fields read from a node descriptor response.
type NodeDescriptor struct {
	LogicalType      uint8  `json:"logicalType"`
	MACCapabilities  uint8  `json:"macCapabilities"`
	ManufacturerCode uint16 `json:"manufacturerCode"`
}

// DeviceType names the logical type.
func (n NodeDescriptor) DeviceType() string {
	switch n.LogicalType {
	case LogicalTypeCoordinator:
		return "Coordinator"
	case LogicalTypeRouter:
		return "Router"
	case LogicalTypeEndDevice:
		return "EndDevice"
	}
	return "Unknown"
}

// ParseNodeDescriptor parses a node descriptor response.
func ParseNodeDescriptor(asdu []byte) (NodeDescriptor, error) {
	if err := CheckStatus(NodeDescriptorResponse, asdu); err != nil {
		return NodeDescriptor{}, err
	}
	if len(asdu) < 9 {
		return NodeDescriptor{}, fmt.Errorf("%w: node descriptor of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	return NodeDescriptor{
		LogicalType:      asdu[4] & 0x07,
		MACCapabilities:  asdu[6],
		ManufacturerCode: binary.LittleEndian.Uint16(asdu[7:]),
	}, nil
}

// ParseActiveEndpoints parses an active endpoints response.
func ParseActiveEndpoints(asdu []byte) ([]uint8, error) {
	if err := CheckStatus(ActiveEndpointsResponse, asdu); err != nil {
		return nil, err
	}
	if len(asdu) < 5 {
		return nil, fmt.Errorf("%w: active endpoints of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	n := int(asdu[4])
	if len(asdu) < 5+n {
		return nil, fmt.Errorf("%w: %d endpoints in %d bytes", zcl.ErrMalformedData, n, len(asdu))
	}
	eps := make([]uint8, n)
	copy(eps, asdu[5:5+n])
	return eps, nil
}

// SimpleDescriptor describes one endpoint.
type SimpleDescriptor struct {
	Endpoint       uint8    `json:"endpoint"`
	ProfileID      uint16   `json:"profileId"`
	DeviceID       uint16   `json:"deviceId"`
	DeviceVersion  uint8    `json:"deviceVersion"`
	InputClusters  []uint16 `json:"inputClusters"`
	OutputClusters []uint16 `json:"outputClusters"`
}

// ParseSimpleDescriptor parses a simple descriptor response.
func ParseSimpleDescriptor(asdu []byte) (SimpleDescriptor, error) {
	if err := CheckStatus(SimpleDescriptorResponse, asdu); err != nil {
		return SimpleDescriptor{}, err
	}
	if len(asdu) < 12 {
		return SimpleDescriptor{}, fmt.Errorf("%w: simple descriptor of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	sd := SimpleDescriptor{
		Endpoint:      asdu[5],
		ProfileID:     binary.LittleEndian.Uint16(asdu[6:]),
		DeviceID:      binary.LittleEndian.Uint16(asdu[8:]),
		DeviceVersion: asdu[10] & 0x0F,
	}
	in, pos, err := clusterList(asdu, 11)
	if err != nil {
		return SimpleDescriptor{}, err
	}
	out, _, err := clusterList(asdu, pos)
	if err != nil {
		return SimpleDescriptor{}, err
	}
	sd.InputClusters, sd.OutputClusters = in, out
	return sd, nil
}

func clusterList(b []byte, pos int) ([]uint16, int, error) {
	if pos >= len(b) {
		return nil, 0, fmt.Errorf("%w: missing cluster count at %d", zcl.ErrMalformedData, pos)
	}
	n := int(b[pos])
	pos++
	if len(b) < pos+2*n {
		return nil, 0, fmt.Errorf("%w: %d clusters at %d in %d bytes", zcl.ErrMalformedData, n, pos, len(b))
	}
	ids := make([]uint16, n)
	for i := range ids {
		ids[i] = binary.LittleEndian.Uint16(b[pos:])
		pos += 2
	}
	return ids, pos, nil
}

// Announce is a device announcement.
type Announce struct {
	NetworkAddress uint16
	IEEEAddress    string
	Capabilities   uint8
}

// ParseAnnounce parses a device announcement. The capability byte is
// optional.
func ParseAnnounce(asdu []byte) (Announce, error) {
	if len(asdu) < 11 {
		return Announce{}, fmt.Errorf("%w: device announce of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	a := Announce{
		NetworkAddress: binary.LittleEndian.Uint16(asdu[1:]),
		IEEEAddress:    FormatIEEE(asdu[3:11]),
	}
	if len(asdu) > 11 {
		a.Capabilities = asdu[11]
	}
	return a, nil
}
