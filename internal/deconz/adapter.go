package deconz

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-go-deconz/internal/adapter"
	"zigbee-go-deconz/internal/correlate"
	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

// Transport is the radio side of the adapter. *Driver implements it.
type Transport interface {
	SendAPS(ctx context.Context, req APSRequest) error
	ReadParameter(ctx context.Context, param uint8) ([]byte, error)
	WriteParameter(ctx context.Context, param uint8, value []byte) error
	Version(ctx context.Context) (uint32, error)
	OnIndication(handler func(*correlate.Indication))
	Close() error
}

// Home automation profile and the coordinator's application endpoint.
const (
	ProfileHA           uint16 = 0x0104
	coordinatorEndpoint uint8  = 0x01
	manufacturerDresden uint16 = 0x1135
)

var coordinatorEndpoints = []zdo.SimpleDescriptor{
	{
		Endpoint:       0x01,
		ProfileID:      ProfileHA,
		DeviceID:       0x0005,
		InputClusters:  []uint16{0x0019, 0x000A},
		OutputClusters: []uint16{0x0500},
	},
	{
		Endpoint:       0xF2,
		ProfileID:      0xA1E0,
		DeviceID:       0x0064,
		InputClusters:  []uint16{},
		OutputClusters: []uint16{0x0021},
	},
}

// Adapter implements adapter.Adapter on a deCONZ transport.
type Adapter struct {
	transport Transport
	engine    *correlate.Engine
	bus       *event.Bus
	ids       correlate.TransactionIDs
	logger    *slog.Logger

	mu        sync.Mutex
	version   *adapter.CoordinatorVersion
	joinTimer *time.Timer
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ adapter.Adapter = (*Adapter)(nil)

// NewAdapter creates an adapter. reg decodes inbound ZCL frames; unsolicited
// traffic is emitted on bus.
func NewAdapter(t Transport, reg *zcl.Registry, bus *event.Bus, logger *slog.Logger, opts ...correlate.Option) *Adapter {
	return &Adapter{
		transport: t,
		engine:    correlate.NewEngine(reg, bus, logger, opts...),
		bus:       bus,
		logger:    logger.With("component", "adapter"),
	}
}

// Events returns the event bus.
func (a *Adapter) Events() *event.Bus { return a.bus }

// Start wires indications into the correlation engine, starts the sweep
// and checks that the firmware answers.
func (a *Adapter) Start(ctx context.Context) (adapter.StartResult, error) {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return "", fmt.Errorf("deconz adapter: already started")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.mu.Unlock()

	a.transport.OnIndication(a.engine.OnIndication)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.engine.Run(runCtx)
	}()

	v, err := a.CoordinatorVersion(ctx)
	if err != nil {
		a.Stop()
		return "", fmt.Errorf("deconz adapter: start: %w", err)
	}
	a.logger.Info("deconz adapter started", "type", v.Type, "revision", v.Revision)
	return adapter.StartResumed, nil
}

// Stop ends the sweep and closes the transport.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	if a.joinTimer != nil {
		a.joinTimer.Stop()
		a.joinTimer = nil
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.transport.OnIndication(nil)
	return a.transport.Close()
}

// Reset is not available over the deCONZ serial protocol.
func (a *Adapter) Reset(ctx context.Context, hard bool) error {
	return adapter.ErrNotSupported
}

// Coordinator reads the local addresses and reports the fixed endpoint list.
func (a *Adapter) Coordinator(ctx context.Context) (*adapter.Coordinator, error) {
	mac, err := a.transport.ReadParameter(ctx, ParamMACAddress)
	if err != nil {
		return nil, err
	}
	nwk, err := a.transport.ReadParameter(ctx, ParamNetworkAddress)
	if err != nil {
		return nil, err
	}
	if len(mac) < 8 || len(nwk) < 2 {
		return nil, fmt.Errorf("deconz adapter: short coordinator parameters")
	}
	eps := make([]zdo.SimpleDescriptor, len(coordinatorEndpoints))
	copy(eps, coordinatorEndpoints)
	return &adapter.Coordinator{
		IEEEAddress:    zdo.FormatIEEE(mac),
		NetworkAddress: binary.LittleEndian.Uint16(nwk),
		ManufacturerID: manufacturerDresden,
		Endpoints:      eps,
	}, nil
}

// CoordinatorVersion reads the firmware version once and caches it.
func (a *Adapter) CoordinatorVersion(ctx context.Context) (*adapter.CoordinatorVersion, error) {
	a.mu.Lock()
	cached := a.version
	a.mu.Unlock()
	if cached != nil {
		v := *cached
		return &v, nil
	}

	fw, err := a.transport.Version(ctx)
	if err != nil {
		return nil, err
	}
	v := versionFromFirmware(fw)
	a.mu.Lock()
	a.version = &v
	a.mu.Unlock()
	out := v
	return &out, nil
}

func versionFromFirmware(fw uint32) adapter.CoordinatorVersion {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], fw)
	v := adapter.CoordinatorVersion{
		Type:     "ConBee2",
		Major:    b[3],
		Minor:    b[2],
		Revision: fmt.Sprintf("0x%x", fw),
	}
	if b[1] == 5 {
		v.Type = "RaspBee"
	}
	return v
}

// NetworkParameters reads the PAN ID, extended PAN ID and channel.
func (a *Adapter) NetworkParameters(ctx context.Context) (*adapter.NetworkParameters, error) {
	pan, err := a.transport.ReadParameter(ctx, ParamPANID)
	if err != nil {
		return nil, err
	}
	ext, err := a.transport.ReadParameter(ctx, ParamExtendedPANID)
	if err != nil {
		return nil, err
	}
	ch, err := a.transport.ReadParameter(ctx, ParamCurrentChannel)
	if err != nil {
		return nil, err
	}
	if len(pan) < 2 || len(ext) < 8 || len(ch) < 1 {
		return nil, fmt.Errorf("deconz adapter: short network parameters")
	}
	return &adapter.NetworkParameters{
		PANID:         binary.LittleEndian.Uint16(pan),
		ExtendedPANID: zdo.FormatIEEE(ext),
		Channel:       ch[0],
	}, nil
}

// PermitJoin opens the network for seconds (0 closes it, 0xFF opens it until
// closed). target is the device asked to permit joins, usually
// zdo.BroadcastRouters.
func (a *Adapter) PermitJoin(ctx context.Context, seconds uint8, target uint16) error {
	tsn := a.ids.Next()
	err := a.transport.SendAPS(ctx, APSRequest{
		RequestID:   tsn,
		DstAddrMode: correlate.AddrModeNWK,
		DstAddr16:   target,
		DstEndpoint: zdo.Endpoint,
		ProfileID:   zdo.ProfileID,
		ClusterID:   zdo.MgmtPermitJoinRequest,
		SrcEndpoint: zdo.Endpoint,
		ASDU:        zdo.PermitJoinPayload(tsn, seconds),
		Radius:      DefaultRadius,
	})
	if err != nil {
		return fmt.Errorf("deconz adapter: permit join: %w", err)
	}
	a.setJoinPermitted(seconds)
	if err := a.transport.WriteParameter(ctx, ParamPermitJoin, []byte{seconds}); err != nil {
		return fmt.Errorf("deconz adapter: permit join: %w", err)
	}
	a.logger.Info("permit join", "seconds", seconds, "target", fmt.Sprintf("0x%04X", target))
	return nil
}

// setJoinPermitted updates the engine's join flag and schedules it to clear
// when a finite window elapses.
func (a *Adapter) setJoinPermitted(seconds uint8) {
	a.mu.Lock()
	if a.joinTimer != nil {
		a.joinTimer.Stop()
		a.joinTimer = nil
	}
	a.engine.SetJoinPermitted(seconds > 0)
	if seconds > 0 && seconds < 0xFF {
		var t *time.Timer
		t = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
			a.mu.Lock()
			if a.joinTimer != t {
				a.mu.Unlock()
				return
			}
			a.joinTimer = nil
			a.mu.Unlock()
			a.engine.SetJoinPermitted(false)
			a.bus.Emit(event.PermitJoinChanged{Permitted: false})
		})
		a.joinTimer = t
	}
	a.mu.Unlock()

	a.bus.Emit(event.PermitJoinChanged{Permitted: seconds > 0, Seconds: seconds})
}

// exchange registers a waiter for key, sends req and waits for the matching
// indication's payload.
func (a *Adapter) exchange(ctx context.Context, req APSRequest, key correlate.Key) ([]byte, error) {
	ind, err := a.send(ctx, req, key)
	if err != nil {
		return nil, err
	}
	return ind.ASDU, nil
}

// send registers a waiter for key, writes req and waits for the indication.
// A failed write still waits until the waiter is matched or expires, so it
// cannot consume a later request's response. The write error is returned
// when the wait fails.
func (a *Adapter) send(ctx context.Context, req APSRequest, key correlate.Key) (*correlate.Indication, error) {
	w := a.engine.Register(key)
	sendErr := a.transport.SendAPS(ctx, req)
	if sendErr != nil {
		a.logger.Warn("aps request failed, waiting out the pending response",
			"key", key.String(), "err", sendErr)
	}
	ind, err := w.Wait(ctx)
	if err != nil {
		if sendErr != nil {
			return nil, sendErr
		}
		return nil, err
	}
	return ind, nil
}

// zdoRequest sends a ZDP request to nwk and returns the response payload.
func (a *Adapter) zdoRequest(ctx context.Context, nwk, cluster uint16, build func(tsn uint8) []byte) ([]byte, error) {
	tsn := a.ids.Next()
	req := APSRequest{
		RequestID:   tsn,
		DstAddrMode: correlate.AddrModeNWK,
		DstAddr16:   nwk,
		DstEndpoint: zdo.Endpoint,
		ProfileID:   zdo.ProfileID,
		ClusterID:   cluster,
		SrcEndpoint: zdo.Endpoint,
		ASDU:        build(tsn),
		Radius:      DefaultRadius,
	}
	key := correlate.Key{Addr: nwk, ProfileID: zdo.ProfileID, ClusterID: zdo.ResponseCluster(cluster)}
	asdu, err := a.exchange(ctx, req, key)
	if err != nil {
		return nil, fmt.Errorf("zdo 0x%04X to 0x%04X: %w", cluster, nwk, err)
	}
	return asdu, nil
}

// NodeDescriptor requests a device's node descriptor.
func (a *Adapter) NodeDescriptor(ctx context.Context, nwk uint16) (*zdo.NodeDescriptor, error) {
	asdu, err := a.zdoRequest(ctx, nwk, zdo.NodeDescriptorRequest, func(tsn uint8) []byte {
		return zdo.NodeDescriptorPayload(tsn, nwk)
	})
	if err != nil {
		return nil, err
	}
	nd, err := zdo.ParseNodeDescriptor(asdu)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("node descriptor", "nwk", fmt.Sprintf("0x%04X", nwk), "type", nd.DeviceType(),
		"manufacturer", fmt.Sprintf("0x%04X", nd.ManufacturerCode))
	return &nd, nil
}

// ActiveEndpoints requests a device's endpoint list.
func (a *Adapter) ActiveEndpoints(ctx context.Context, nwk uint16) ([]uint8, error) {
	asdu, err := a.zdoRequest(ctx, nwk, zdo.ActiveEndpointsRequest, func(tsn uint8) []byte {
		return zdo.ActiveEndpointsPayload(tsn, nwk)
	})
	if err != nil {
		return nil, err
	}
	return zdo.ParseActiveEndpoints(asdu)
}

// SimpleDescriptor requests the descriptor of one endpoint.
func (a *Adapter) SimpleDescriptor(ctx context.Context, nwk uint16, endpoint uint8) (*zdo.SimpleDescriptor, error) {
	asdu, err := a.zdoRequest(ctx, nwk, zdo.SimpleDescriptorRequest, func(tsn uint8) []byte {
		return zdo.SimpleDescriptorPayload(tsn, nwk, endpoint)
	})
	if err != nil {
		return nil, err
	}
	sd, err := zdo.ParseSimpleDescriptor(asdu)
	if err != nil {
		return nil, err
	}
	return &sd, nil
}

// tablePage returns a page requester for a management table cluster.
func (a *Adapter) tablePage(nwk, cluster uint16) func(context.Context, uint8) ([]byte, error) {
	return func(ctx context.Context, start uint8) ([]byte, error) {
		return a.zdoRequest(ctx, nwk, cluster, func(tsn uint8) []byte {
			return zdo.TablePayload(tsn, start)
		})
	}
}

// LQI retrieves a device's full neighbor table.
func (a *Adapter) LQI(ctx context.Context, nwk uint16) ([]zdo.Neighbor, error) {
	ns, err := zdo.Neighbors(ctx, a.tablePage(nwk, zdo.MgmtLQIRequest))
	if err != nil {
		return nil, fmt.Errorf("deconz adapter: lqi 0x%04X: %w", nwk, err)
	}
	return ns, nil
}

// RoutingTable retrieves a device's full routing table.
func (a *Adapter) RoutingTable(ctx context.Context, nwk uint16) ([]zdo.Route, error) {
	rs, err := zdo.Routes(ctx, a.tablePage(nwk, zdo.MgmtRoutingRequest))
	if err != nil {
		return nil, fmt.Errorf("deconz adapter: routing table 0x%04X: %w", nwk, err)
	}
	return rs, nil
}

// Bind creates a binding on req.Target.
func (a *Adapter) Bind(ctx context.Context, req adapter.BindRequest) error {
	return a.bind(ctx, zdo.BindRequest, req)
}

// Unbind removes a binding from req.Target.
func (a *Adapter) Unbind(ctx context.Context, req adapter.BindRequest) error {
	return a.bind(ctx, zdo.UnbindRequest, req)
}

func (a *Adapter) bind(ctx context.Context, cluster uint16, req adapter.BindRequest) error {
	b, err := req.Binding()
	if err != nil {
		return err
	}
	asdu, err := a.zdoRequest(ctx, req.Target, cluster, func(tsn uint8) []byte {
		return zdo.BindPayload(tsn, b)
	})
	if err != nil {
		return err
	}
	return zdo.CheckStatus(zdo.ResponseCluster(cluster), asdu)
}

// RemoveDevice asks a device to leave and emits DeviceLeave on success.
func (a *Adapter) RemoveDevice(ctx context.Context, nwk uint16, ieee string) error {
	var addr uint64
	if ieee != "" {
		v, err := zdo.ParseIEEE(ieee)
		if err != nil {
			return err
		}
		addr = v
	}
	asdu, err := a.zdoRequest(ctx, nwk, zdo.MgmtLeaveRequest, func(tsn uint8) []byte {
		return zdo.LeavePayload(tsn, addr)
	})
	if err != nil {
		return err
	}
	if err := zdo.CheckStatus(zdo.MgmtLeaveResponse, asdu); err != nil {
		return err
	}
	a.logger.Info("device removed", "nwk", fmt.Sprintf("0x%04X", nwk), "ieee", ieee)
	a.bus.Emit(event.DeviceLeave{NetworkAddress: nwk, IEEEAddress: ieee})
	return nil
}

// SendZCLFrameToEndpoint sends a ZCL frame and waits for the next frame the
// device sends back on the same cluster.
func (a *Adapter) SendZCLFrameToEndpoint(ctx context.Context, nwk uint16, endpoint uint8, frame *zcl.Frame) (*event.ZCLData, error) {
	asdu, err := frame.Encode()
	if err != nil {
		return nil, err
	}
	req := APSRequest{
		RequestID:   a.ids.Next(),
		DstAddrMode: correlate.AddrModeNWK,
		DstAddr16:   nwk,
		DstEndpoint: endpoint,
		ProfileID:   ProfileHA,
		ClusterID:   frame.ClusterID,
		SrcEndpoint: coordinatorEndpoint,
		ASDU:        asdu,
		Radius:      DefaultRadius,
	}
	ind, err := a.send(ctx, req, correlate.Key{Addr: nwk, ProfileID: ProfileHA, ClusterID: frame.ClusterID})
	if err != nil {
		return nil, fmt.Errorf("deconz adapter: zcl to 0x%04X/%d: %w", nwk, endpoint, err)
	}
	resp, err := zcl.Decode(a.engine.Registry(), frame.ClusterID, ind.ASDU)
	if err != nil {
		return nil, err
	}
	return &event.ZCLData{
		Address:     ind.SrcAddr16,
		IEEEAddress: ind.LongSource(),
		Endpoint:    ind.SrcEndpoint,
		DstEndpoint: ind.DstEndpoint,
		LinkQuality: ind.LinkQuality,
		RSSI:        ind.RSSI,
		Frame:       resp,
	}, nil
}

// SendZCLFrameToGroup sends a ZCL frame to a group. No response is awaited.
func (a *Adapter) SendZCLFrameToGroup(ctx context.Context, group uint16, frame *zcl.Frame) error {
	asdu, err := frame.Encode()
	if err != nil {
		return err
	}
	err = a.transport.SendAPS(ctx, APSRequest{
		RequestID:   a.ids.Next(),
		DstAddrMode: correlate.AddrModeGroup,
		DstAddr16:   group,
		ProfileID:   ProfileHA,
		ClusterID:   frame.ClusterID,
		SrcEndpoint: coordinatorEndpoint,
		ASDU:        asdu,
		Radius:      UnlimitedRadius,
	})
	if err != nil {
		return fmt.Errorf("deconz adapter: zcl to group 0x%04X: %w", group, err)
	}
	return nil
}
