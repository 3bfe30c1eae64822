package deconz

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"zigbee-go-deconz/internal/adapter"
	"zigbee-go-deconz/internal/correlate"
	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

// fakeTransport records APS requests and answers them through respond,
// which may return indications to deliver back to the adapter.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []APSRequest
	params  map[uint8][]byte
	written map[uint8][]byte
	version uint32
	handler func(*correlate.Indication)
	respond func(req APSRequest) []*correlate.Indication
	sendErr error
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		params: map[uint8][]byte{
			ParamMACAddress:     {0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01},
			ParamNetworkAddress: {0x00, 0x00},
			ParamPANID:          {0x34, 0x1A},
			ParamExtendedPANID:  {0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD},
			ParamCurrentChannel: {15},
		},
		written: make(map[uint8][]byte),
		version: 0x26580700,
	}
}

func (f *fakeTransport) SendAPS(ctx context.Context, req APSRequest) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, req)
	respond, h := f.respond, f.handler
	f.mu.Unlock()

	if respond != nil && h != nil {
		for _, ind := range respond(req) {
			go h(ind)
		}
	}
	return nil
}

func (f *fakeTransport) ReadParameter(ctx context.Context, param uint8) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.params[param]
	if !ok {
		return nil, ErrStatus
	}
	return v, nil
}

func (f *fakeTransport) WriteParameter(ctx context.Context, param uint8, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[param] = value
	return nil
}

func (f *fakeTransport) Version(ctx context.Context) (uint32, error) { return f.version, nil }

func (f *fakeTransport) OnIndication(h func(*correlate.Indication)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) requests() []APSRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]APSRequest(nil), f.sent...)
}

// zdoReply builds a response indication from the request's destination.
func zdoReply(req APSRequest, payload ...byte) *correlate.Indication {
	return &correlate.Indication{
		SrcAddrMode: correlate.AddrModeNWK,
		SrcAddr16:   req.DstAddr16,
		ProfileID:   zdo.ProfileID,
		ClusterID:   zdo.ResponseCluster(req.ClusterID),
		ASDU:        append([]byte{req.ASDU[0]}, payload...),
	}
}

func startAdapter(t *testing.T, ft *fakeTransport) (*Adapter, *event.Bus) {
	t.Helper()
	reg, err := zcl.NewDefaultRegistry(newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	bus := event.NewBus(newTestLogger())
	a := NewAdapter(ft, reg, bus, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := a.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res != adapter.StartResumed {
		t.Errorf("start result = %q", res)
	}
	t.Cleanup(func() { a.Stop() })
	return a, bus
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAdapterCoordinator(t *testing.T) {
	ft := newFakeTransport()
	a, _ := startAdapter(t, ft)

	c, err := a.Coordinator(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if c.IEEEAddress != "0x0102030405060708" || c.NetworkAddress != 0 || c.ManufacturerID != 0x1135 {
		t.Errorf("coordinator = %+v", c)
	}
	if len(c.Endpoints) != 2 || c.Endpoints[1].Endpoint != 0xF2 || c.Endpoints[1].ProfileID != 0xA1E0 {
		t.Errorf("endpoints = %+v", c.Endpoints)
	}

	v, err := a.CoordinatorVersion(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != "ConBee2" || v.Revision != "0x26580700" {
		t.Errorf("version = %+v", v)
	}

	np, err := a.NetworkParameters(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if np.PANID != 0x1A34 || np.Channel != 15 || np.ExtendedPANID != "0xdddddddddddddddd" {
		t.Errorf("network parameters = %+v", np)
	}
}

func TestAdapterPermitJoin(t *testing.T) {
	ft := newFakeTransport()
	a, bus := startAdapter(t, ft)

	var mu sync.Mutex
	var changes []event.PermitJoinChanged
	bus.On(event.KindPermitJoin, func(ev event.Event) {
		mu.Lock()
		changes = append(changes, ev.(event.PermitJoinChanged))
		mu.Unlock()
	})

	if err := a.PermitJoin(testCtx(t), 0xFF, zdo.BroadcastRouters); err != nil {
		t.Fatal(err)
	}
	reqs := ft.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d requests", len(reqs))
	}
	r := reqs[0]
	if r.DstAddr16 != 0xFFFC || r.ClusterID != zdo.MgmtPermitJoinRequest || !bytes.Equal(r.ASDU, []byte{r.RequestID, 0xFF, 0}) {
		t.Errorf("request = %+v", r)
	}
	if !a.engine.JoinPermitted() {
		t.Error("join not permitted after PermitJoin")
	}
	if !bytes.Equal(ft.written[ParamPermitJoin], []byte{0xFF}) {
		t.Errorf("permit join parameter = % X", ft.written[ParamPermitJoin])
	}

	if err := a.PermitJoin(testCtx(t), 0, zdo.BroadcastRouters); err != nil {
		t.Fatal(err)
	}
	if a.engine.JoinPermitted() {
		t.Error("join still permitted")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || !changes[0].Permitted || changes[1].Permitted {
		t.Errorf("changes = %+v", changes)
	}
}

func TestAdapterZDORequests(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req APSRequest) []*correlate.Indication {
		switch req.ClusterID {
		case zdo.NodeDescriptorRequest:
			return []*correlate.Indication{zdoReply(req, 0x00, 0x34, 0x12, 0x02, 0x40, 0x80, 0x5F, 0x11)}
		case zdo.ActiveEndpointsRequest:
			return []*correlate.Indication{zdoReply(req, 0x00, 0x34, 0x12, 0x02, 0x01, 0x02)}
		case zdo.SimpleDescriptorRequest:
			return []*correlate.Indication{zdoReply(req, 0x00, 0x34, 0x12, 0x0A, req.ASDU[3],
				0x04, 0x01, 0x02, 0x04, 0x00, 0x01, 0x06, 0x00, 0x00)}
		case zdo.BindRequest:
			return []*correlate.Indication{zdoReply(req, 0x00)}
		case zdo.UnbindRequest:
			return []*correlate.Indication{zdoReply(req, 0x84)}
		}
		return nil
	}
	a, _ := startAdapter(t, ft)

	nd, err := a.NodeDescriptor(testCtx(t), 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if nd.DeviceType() != "EndDevice" || nd.ManufacturerCode != 0x115F {
		t.Errorf("node descriptor = %+v", nd)
	}

	eps, err := a.ActiveEndpoints(testCtx(t), 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(eps, []byte{1, 2}) {
		t.Errorf("endpoints = %v", eps)
	}

	sd, err := a.SimpleDescriptor(testCtx(t), 0x1234, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sd.Endpoint != 2 || sd.DeviceID != 0x0402 || len(sd.InputClusters) != 1 || sd.InputClusters[0] != 0x0006 {
		t.Errorf("simple descriptor = %+v", sd)
	}

	req := adapter.BindRequest{
		Target: 0x1234, SrcIEEE: "0x0102030405060708", SrcEndpoint: 1, ClusterID: 0x0006,
		DstIEEE: "0x1112131415161718", DstEndpoint: 1,
	}
	if err := a.Bind(testCtx(t), req); err != nil {
		t.Fatal(err)
	}
	err = a.Unbind(testCtx(t), req)
	var se *zdo.StatusError
	if !errors.As(err, &se) || se.Status != 0x84 {
		t.Errorf("unbind err = %v", err)
	}

	var unbind APSRequest
	for _, r := range ft.requests() {
		if r.ClusterID == zdo.UnbindRequest {
			unbind = r
		}
	}
	// Unbind carries the destination endpoint like bind.
	if len(unbind.ASDU) != 22 || unbind.ASDU[21] != 1 {
		t.Errorf("unbind payload = % X", unbind.ASDU)
	}
}

func TestAdapterLQIPagination(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req APSRequest) []*correlate.Indication {
		if req.ClusterID != zdo.MgmtLQIRequest {
			return nil
		}
		start := req.ASDU[1]
		count := uint8(2)
		if start == 2 {
			count = 1
		}
		payload := []byte{0x00, 3, start, count}
		for i := uint8(0); i < count; i++ {
			rec := make([]byte, zdo.NeighborRecordSize)
			binary.LittleEndian.PutUint16(rec[16:], 0x1000+uint16(start+i))
			rec[21] = 100 + start + i
			payload = append(payload, rec...)
		}
		return []*correlate.Indication{zdoReply(req, payload...)}
	}
	a, _ := startAdapter(t, ft)

	ns, err := a.LQI(testCtx(t), 0x0000)
	if err != nil {
		t.Fatal(err)
	}
	if len(ns) != 3 {
		t.Fatalf("got %d neighbors", len(ns))
	}
	for i, n := range ns {
		if n.NetworkAddress != 0x1000+uint16(i) || n.LinkQuality != 100+uint8(i) {
			t.Errorf("neighbor %d = %+v", i, n)
		}
	}
}

func TestAdapterRoutingTableFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req APSRequest) []*correlate.Indication {
		return []*correlate.Indication{zdoReply(req, 0x84)}
	}
	a, _ := startAdapter(t, ft)

	rs, err := a.RoutingTable(testCtx(t), 0x1234)
	if !errors.Is(err, zdo.ErrRemoteTable) {
		t.Errorf("err = %v, want ErrRemoteTable", err)
	}
	if rs != nil {
		t.Errorf("got partial table %v", rs)
	}
}

func TestAdapterRemoveDevice(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req APSRequest) []*correlate.Indication {
		return []*correlate.Indication{zdoReply(req, 0x00)}
	}
	a, bus := startAdapter(t, ft)

	left := make(chan event.DeviceLeave, 1)
	bus.On(event.KindDeviceLeave, func(ev event.Event) { left <- ev.(event.DeviceLeave) })

	if err := a.RemoveDevice(testCtx(t), 0x1234, "0x0102030405060708"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-left:
		if ev.NetworkAddress != 0x1234 || ev.IEEEAddress != "0x0102030405060708" {
			t.Errorf("leave = %+v", ev)
		}
	default:
		t.Error("no DeviceLeave event")
	}
	r := ft.requests()[0]
	want := []byte{r.RequestID, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x00}
	if r.ClusterID != zdo.MgmtLeaveRequest || !bytes.Equal(r.ASDU, want) {
		t.Errorf("leave request = %+v", r)
	}
}

func TestAdapterSendZCLFrame(t *testing.T) {
	ft := newFakeTransport()
	ft.respond = func(req APSRequest) []*correlate.Indication {
		if req.DstAddrMode != correlate.AddrModeNWK {
			return nil
		}
		return []*correlate.Indication{{
			SrcAddrMode: correlate.AddrModeNWK, SrcAddr16: req.DstAddr16, SrcEndpoint: req.DstEndpoint,
			ProfileID: ProfileHA, ClusterID: req.ClusterID, LinkQuality: 150,
			ASDU: []byte{0x18, req.ASDU[1], 0x01, 0x00, 0x00, 0x00, 0x10, 0x01},
		}}
	}
	a, _ := startAdapter(t, ft)

	resp, err := a.SendZCLFrameToEndpoint(testCtx(t), 0x1234, 1, zcl.NewReadAttributes(0x0006, 0x42, 0x0000))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Frame.Command != "readRsp" || resp.Frame.Header.TransactionSeq != 0x42 || resp.LinkQuality != 150 {
		t.Errorf("response = %+v", resp)
	}
	rec, ok := resp.Frame.Payload[0].(zcl.ReadRecord)
	if !ok || rec.Value != uint8(1) {
		t.Errorf("payload = %#v", resp.Frame.Payload)
	}

	if err := a.SendZCLFrameToGroup(testCtx(t), 0x0007, zcl.NewClusterCommand(0x0006, 0x43, 0x02)); err != nil {
		t.Fatal(err)
	}
	reqs := ft.requests()
	g := reqs[len(reqs)-1]
	if g.DstAddrMode != correlate.AddrModeGroup || g.DstAddr16 != 0x0007 || g.Radius != UnlimitedRadius || g.SrcEndpoint != 1 {
		t.Errorf("group request = %+v", g)
	}
}

func TestAdapterRequestTimeout(t *testing.T) {
	ft := newFakeTransport()
	reg, err := zcl.NewDefaultRegistry(newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := NewAdapter(ft, reg, event.NewBus(newTestLogger()), newTestLogger(), correlate.WithClock(clock))
	if _, err := a.Start(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	errc := make(chan error, 1)
	go func() {
		_, err := a.ActiveEndpoints(context.Background(), 0x1234)
		errc <- err
	}()
	for a.engine.Pending() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	now = now.Add(correlate.Timeout)
	mu.Unlock()

	select {
	case err := <-errc:
		if !errors.Is(err, correlate.ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("request did not time out")
	}
}

func TestAdapterSendFailure(t *testing.T) {
	ft := newFakeTransport()
	a, _ := startAdapter(t, ft)
	ft.mu.Lock()
	ft.sendErr = ErrClosed
	ft.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := a.NodeDescriptor(ctx, 0x1234); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := a.Reset(testCtx(t), false); !errors.Is(err, adapter.ErrNotSupported) {
		t.Errorf("reset err = %v", err)
	}
}

func TestAdapterRetryAfterSendFailure(t *testing.T) {
	ft := newFakeTransport()
	reg, err := zcl.NewDefaultRegistry(newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	a := NewAdapter(ft, reg, event.NewBus(newTestLogger()), newTestLogger(), correlate.WithClock(clock))
	if _, err := a.Start(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	ft.mu.Lock()
	ft.sendErr = ErrClosed
	ft.mu.Unlock()

	errc := make(chan error, 1)
	go func() {
		_, err := a.NodeDescriptor(context.Background(), 0x1234)
		errc <- err
	}()
	for a.engine.Pending() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	// The failed request keeps waiting instead of abandoning its waiter.
	select {
	case err := <-errc:
		t.Fatalf("failed send returned before its waiter expired: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	now = now.Add(correlate.Timeout)
	mu.Unlock()
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("failed request never returned")
	}
	if n := a.engine.Pending(); n != 0 {
		t.Fatalf("pending after failed send = %d, want 0", n)
	}

	ft.mu.Lock()
	ft.sendErr = nil
	ft.respond = func(req APSRequest) []*correlate.Indication {
		return []*correlate.Indication{zdoReply(req, 0x00, 0x34, 0x12, 0x02, 0x40, 0x80, 0x5F, 0x11)}
	}
	ft.mu.Unlock()

	nd, err := a.NodeDescriptor(testCtx(t), 0x1234)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if nd.ManufacturerCode != 0x115F {
		t.Errorf("retry node descriptor = %+v", nd)
	}
}

func TestAdapterStop(t *testing.T) {
	ft := newFakeTransport()
	reg, _ := zcl.NewDefaultRegistry(newTestLogger())
	a := NewAdapter(ft, reg, event.NewBus(newTestLogger()), newTestLogger())
	if _, err := a.Start(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Start(testCtx(t)); err == nil {
		t.Error("second Start should fail")
	}
	if err := a.Stop(); err != nil {
		t.Fatal(err)
	}
	if !ft.closed {
		t.Error("transport not closed")
	}
}
