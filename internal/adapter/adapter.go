// Package adapter defines the capability interface of a Zigbee radio adapter.
// Backend: deCONZ (ConBee / RaspBee over SLIP serial), see package deconz.
package adapter

import (
	"context"
	"errors"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

// ErrNotSupported is returned for operations the radio cannot perform.
var ErrNotSupported = errors.New("adapter: not supported")

// Adapter is the application-facing interface of a radio adapter. All
// request methods block until the device answers, the request times out or
// ctx ends.
type Adapter interface {
	// Lifecycle
	Start(ctx context.Context) (StartResult, error)
	Stop() error
	Reset(ctx context.Context, hard bool) error

	// Coordinator and network
	Coordinator(ctx context.Context) (*Coordinator, error)
	CoordinatorVersion(ctx context.Context) (*CoordinatorVersion, error)
	NetworkParameters(ctx context.Context) (*NetworkParameters, error)
	PermitJoin(ctx context.Context, seconds uint8, target uint16) error

	// ZDO
	NodeDescriptor(ctx context.Context, nwk uint16) (*zdo.NodeDescriptor, error)
	ActiveEndpoints(ctx context.Context, nwk uint16) ([]uint8, error)
	SimpleDescriptor(ctx context.Context, nwk uint16, endpoint uint8) (*zdo.SimpleDescriptor, error)
	LQI(ctx context.Context, nwk uint16) ([]zdo.Neighbor, error)
	RoutingTable(ctx context.Context, nwk uint16) ([]zdo.Route, error)
	Bind(ctx context.Context, req BindRequest) error
	Unbind(ctx context.Context, req BindRequest) error
	RemoveDevice(ctx context.Context, nwk uint16, ieee string) error

	// ZCL
	SendZCLFrameToEndpoint(ctx context.Context, nwk uint16, endpoint uint8, frame *zcl.Frame) (*event.ZCLData, error)
	SendZCLFrameToGroup(ctx context.Context, group uint16, frame *zcl.Frame) error

	// Events returns the bus unsolicited traffic is emitted on.
	Events() *event.Bus
}

// StartResult reports how the network came up.
type StartResult string

const (
	StartResumed  StartResult = "resumed"
	StartReset    StartResult = "reset"
	StartRestored StartResult = "restored"
)

// Coordinator describes the local radio as a network node.
type Coordinator struct {
	IEEEAddress    string                 `json:"ieeeAddr"`
	NetworkAddress uint16                 `json:"networkAddress"`
	ManufacturerID uint16                 `json:"manufacturerId"`
	Endpoints      []zdo.SimpleDescriptor `json:"endpoints"`
}

// CoordinatorVersion holds firmware information.
type CoordinatorVersion struct {
	Type     string `json:"type"`
	Major    uint8  `json:"majorRelease"`
	Minor    uint8  `json:"minorRelease"`
	Revision string `json:"revision"`
}

// NetworkParameters holds the running network's identity.
type NetworkParameters struct {
	PANID         uint16 `json:"panId"`
	ExtendedPANID string `json:"extendedPanId"`
	Channel       uint8  `json:"channel"`
}

// BindRequest is a ZDO bind or unbind request sent to Target, the device
// holding the binding table. Group bindings use GroupID; endpoint bindings
// use DstIEEE and DstEndpoint.
type BindRequest struct {
	Target      uint16 `json:"target"`
	SrcIEEE     string `json:"srcIeee"`
	SrcEndpoint uint8  `json:"srcEndpoint"`
	ClusterID   uint16 `json:"clusterId"`
	Group       bool   `json:"group,omitempty"`
	GroupID     uint16 `json:"groupId,omitempty"`
	DstIEEE     string `json:"dstIeee,omitempty"`
	DstEndpoint uint8  `json:"dstEndpoint,omitempty"`
}

// Binding converts the request to its ZDO form.
func (r BindRequest) Binding() (zdo.Binding, error) {
	src, err := zdo.ParseIEEE(r.SrcIEEE)
	if err != nil {
		return zdo.Binding{}, err
	}
	b := zdo.Binding{SrcIEEE: src, SrcEndpoint: r.SrcEndpoint, ClusterID: r.ClusterID}
	if r.Group {
		b.Group, b.GroupID = true, r.GroupID
		return b, nil
	}
	dst, err := zdo.ParseIEEE(r.DstIEEE)
	if err != nil {
		return zdo.Binding{}, err
	}
	b.DstIEEE, b.DstEndpoint = dst, r.DstEndpoint
	return b, nil
}
