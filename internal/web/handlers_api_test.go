package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"zigbee-go-deconz/internal/adapter"
	"zigbee-go-deconz/internal/coordinator"
	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubAdapter implements adapter.Adapter with canned answers.
type stubAdapter struct {
	bus *event.Bus

	mu      sync.Mutex
	permits []uint8
	removed []uint16
	lqiErr  error
}

var _ adapter.Adapter = (*stubAdapter)(nil)

func (s *stubAdapter) Start(context.Context) (adapter.StartResult, error) {
	return adapter.StartResumed, nil
}

func (s *stubAdapter) Stop() error                                       { return nil }
func (s *stubAdapter) Reset(context.Context, bool) error                 { return adapter.ErrNotSupported }
func (s *stubAdapter) Events() *event.Bus                                { return s.bus }
func (s *stubAdapter) Bind(context.Context, adapter.BindRequest) error   { return nil }
func (s *stubAdapter) Unbind(context.Context, adapter.BindRequest) error { return nil }

func (s *stubAdapter) Coordinator(context.Context) (*adapter.Coordinator, error) {
	return &adapter.Coordinator{IEEEAddress: "0x00212effff000001", ManufacturerID: 0x1135}, nil
}

func (s *stubAdapter) CoordinatorVersion(context.Context) (*adapter.CoordinatorVersion, error) {
	return &adapter.CoordinatorVersion{Type: "ConBee2", Major: 0x26, Minor: 0x58, Revision: "0x26580700"}, nil
}

func (s *stubAdapter) NetworkParameters(context.Context) (*adapter.NetworkParameters, error) {
	return &adapter.NetworkParameters{PANID: 0x1A62, ExtendedPANID: "0xdddddddddddddddd", Channel: 15}, nil
}

func (s *stubAdapter) PermitJoin(_ context.Context, seconds uint8, _ uint16) error {
	s.mu.Lock()
	s.permits = append(s.permits, seconds)
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) NodeDescriptor(context.Context, uint16) (*zdo.NodeDescriptor, error) {
	return nil, errors.New("no reply")
}

func (s *stubAdapter) ActiveEndpoints(context.Context, uint16) ([]uint8, error) {
	return nil, errors.New("no reply")
}

func (s *stubAdapter) SimpleDescriptor(context.Context, uint16, uint8) (*zdo.SimpleDescriptor, error) {
	return nil, errors.New("no reply")
}

func (s *stubAdapter) LQI(context.Context, uint16) ([]zdo.Neighbor, error) {
	if s.lqiErr != nil {
		return nil, s.lqiErr
	}
	return []zdo.Neighbor{{NetworkAddress: 0x1234, LinkQuality: 200}}, nil
}

func (s *stubAdapter) RoutingTable(context.Context, uint16) ([]zdo.Route, error) {
	return []zdo.Route{{Destination: 0x1234, Status: "ACTIVE", NextHop: 0x1234}}, nil
}

func (s *stubAdapter) RemoveDevice(_ context.Context, nwk uint16, ieee string) error {
	s.mu.Lock()
	s.removed = append(s.removed, nwk)
	s.mu.Unlock()
	return nil
}

func (s *stubAdapter) SendZCLFrameToEndpoint(_ context.Context, nwk uint16, ep uint8, frame *zcl.Frame) (*event.ZCLData, error) {
	resp := &zcl.Frame{
		Header: zcl.Header{
			FrameControl:   zcl.FrameControl{Direction: zcl.DirectionToClient},
			TransactionSeq: frame.Header.TransactionSeq,
			CommandID:      zcl.FoundationReadAttributesResponse,
		},
		ClusterID: frame.ClusterID,
		Command:   "readRsp",
		Payload: []any{
			zcl.ReadRecord{ID: 0x0000, Status: zcl.ZCLStatusSuccess, Type: zcl.TypeBoolean, Value: true},
		},
	}
	return &event.ZCLData{Address: nwk, Endpoint: ep, Frame: resp}, nil
}

func (s *stubAdapter) SendZCLFrameToGroup(context.Context, uint16, *zcl.Frame) error { return nil }

func setupTestServer(t *testing.T, apiKey string, opts ...ServerOption) (*Server, *stubAdapter, *store.BoltStore) {
	t.Helper()
	logger := newTestLogger()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := zcl.NewDefaultRegistry(logger)
	if err != nil {
		t.Fatal(err)
	}

	sa := &stubAdapter{bus: event.NewBus(logger)}
	coord := coordinator.New(sa, st, reg, coordinator.NewDeviceDB(),
		coordinator.SerialConfig{Port: "/dev/ttyACM0", Baud: 38400}, logger)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { coord.Stop() })

	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(coord, logger, append(opts, WithVersion("test"))...)
	t.Cleanup(srv.Stop)
	return srv, sa, st
}

func seedDevice(t *testing.T, st store.Store, ieee string, nwk uint16) {
	t.Helper()
	if err := st.SaveDevice(&store.Device{
		IEEEAddress:    ieee,
		NetworkAddress: nwk,
		Manufacturer:   "Test",
		Model:          "TestModel",
		Interviewed:    true,
		Endpoints:      []store.Endpoint{{ID: 1, ProfileID: 0x0104, InClusters: []uint16{0x0000, 0x0006}}},
	}); err != nil {
		t.Fatal(err)
	}
}

func do(t *testing.T, srv http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAPIListDevices(t *testing.T) {
	srv, _, st := setupTestServer(t, "")

	w := do(t, srv, "GET", "/api/devices", nil)
	if w.Code != http.StatusOK || w.Body.String() != "[]\n" {
		t.Fatalf("empty list: %d %q", w.Code, w.Body.String())
	}

	seedDevice(t, st, "0x00158d00012a3b4c", 0x1234)
	seedDevice(t, st, "0x00158d00012a3b4d", 0x1235)

	w = do(t, srv, "GET", "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if devices := decode[[]store.Device](t, w); len(devices) != 2 {
		t.Errorf("devices = %d, want 2", len(devices))
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, _, st := setupTestServer(t, "")
	seedDevice(t, st, "0x00158d00012a3b4c", 0x1234)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"canonical", "/api/devices/0x00158d00012a3b4c", http.StatusOK},
		{"upper case", "/api/devices/0x00158D00012A3B4C", http.StatusOK},
		{"unknown", "/api/devices/0x00158d00012a3b4d", http.StatusNotFound},
		{"malformed", "/api/devices/kitchen", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "GET", tt.path, nil)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			if tt.status == http.StatusOK {
				if dev := decode[store.Device](t, w); dev.NetworkAddress != 0x1234 {
					t.Errorf("nwk = 0x%04X", dev.NetworkAddress)
				}
			}
		})
	}
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, sa, st := setupTestServer(t, "")
	seedDevice(t, st, "0x00158d00012a3b4c", 0x1234)

	w := do(t, srv, "DELETE", "/api/devices/0x00158d00012a3b4c", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	sa.mu.Lock()
	removed := append([]uint16(nil), sa.removed...)
	sa.mu.Unlock()
	if len(removed) != 1 || removed[0] != 0x1234 {
		t.Errorf("removed = %v", removed)
	}
	if _, err := st.GetDevice("0x00158d00012a3b4c"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("device still stored: %v", err)
	}

	w = do(t, srv, "DELETE", "/api/devices/0x00158d00012a3b4c", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestAPIPermitJoin(t *testing.T) {
	srv, sa, _ := setupTestServer(t, "")

	w := do(t, srv, "POST", "/api/permit_join", map[string]int{"duration": 60})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	sa.mu.Lock()
	permits := append([]uint8(nil), sa.permits...)
	sa.mu.Unlock()
	if len(permits) != 1 || permits[0] != 60 {
		t.Errorf("permits = %v", permits)
	}

	for _, body := range []string{"not json", `{"duration": 300}`} {
		if w := do(t, srv, "POST", "/api/permit_join", body); w.Code != http.StatusBadRequest {
			t.Errorf("%q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestAPINetworkInfo(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := do(t, srv, "GET", "/api/network", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	info := decode[map[string]any](t, w)
	if info["channel"] != float64(15) || info["pan_id"] != "0x1A62" {
		t.Errorf("info = %v", info)
	}
	if info["coordinator_ieee"] != "0x00212effff000001" || info["firmware_type"] != "ConBee2" {
		t.Errorf("info = %v", info)
	}
}

func TestAPICoordinator(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := do(t, srv, "GET", "/api/coordinator", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	info := decode[coordinator.CoordinatorInfo](t, w)
	if info.IEEEAddress != "0x00212effff000001" || info.ManufacturerID != 0x1135 {
		t.Errorf("info = %+v", info)
	}
	if info.Version == nil || info.Version.Revision != "0x26580700" {
		t.Errorf("version = %+v", info.Version)
	}
}

func TestAPITopology(t *testing.T) {
	srv, sa, _ := setupTestServer(t, "")

	if w := do(t, srv, "GET", "/api/topology/0x0000", nil); w.Code != http.StatusNotFound {
		t.Fatalf("before scan status = %d, want 404", w.Code)
	}

	w := do(t, srv, "POST", "/api/topology/0x0000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("scan status = %d: %s", w.Code, w.Body.String())
	}
	snap := decode[store.Topology](t, w)
	if len(snap.Neighbors) != 1 || len(snap.Routes) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	w = do(t, srv, "GET", "/api/topology/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decode[store.Topology](t, w); len(got.Neighbors) != 1 || got.Neighbors[0].NetworkAddress != 0x1234 {
		t.Errorf("stored snapshot = %+v", got)
	}

	if w := do(t, srv, "GET", "/api/topology/0x10000", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad addr status = %d, want 400", w.Code)
	}

	sa.lqiErr = errors.New("timeout")
	if w := do(t, srv, "POST", "/api/topology/0x1234", nil); w.Code != http.StatusBadGateway {
		t.Errorf("failed scan status = %d, want 502", w.Code)
	}
}

func TestAPIReadAttributes(t *testing.T) {
	srv, _, st := setupTestServer(t, "")
	seedDevice(t, st, "0x00158d00012a3b4c", 0x1234)

	w := do(t, srv, "POST", "/api/devices/0x00158d00012a3b4c/read",
		readAttributesRequest{Endpoint: 1, ClusterID: 0x0006, AttrIDs: []uint16{0x0000}})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	results := decode[[]coordinator.AttributeResult](t, w)
	if len(results) != 1 || results[0].AttrName != "OnOff" || results[0].Value != true {
		t.Errorf("results = %+v", results)
	}
}

func TestAPIReadAttributesValidation(t *testing.T) {
	srv, _, st := setupTestServer(t, "")
	seedDevice(t, st, "0x00158d00012a3b4c", 0x1234)

	ids := make([]uint16, 51)
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown device", "/api/devices/0x00158d00012a3b4d/read", readAttributesRequest{AttrIDs: []uint16{0}}, http.StatusNotFound},
		{"bad body", "/api/devices/0x00158d00012a3b4c/read", "{", http.StatusBadRequest},
		{"no attributes", "/api/devices/0x00158d00012a3b4c/read", readAttributesRequest{}, http.StatusBadRequest},
		{"too many attributes", "/api/devices/0x00158d00012a3b4c/read", readAttributesRequest{AttrIDs: ids}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv, "POST", tt.path, tt.body); w.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestAPIListClusters(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	w := do(t, srv, "GET", "/api/clusters", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if clusters := decode[[]map[string]any](t, w); len(clusters) == 0 {
		t.Error("no clusters")
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	w := do(t, srv, "GET", "/api/version", nil)
	if got := decode[map[string]string](t, w); got["version"] != "test" {
		t.Errorf("version = %v", got)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret-key")

	tests := []struct {
		name   string
		key    string
		status int
	}{
		{"correct key", "secret-key", http.StatusOK},
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "wrong-key", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/devices", nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, "", WithAllowedOrigins([]string{"http://ui.local"}))

	tests := []struct {
		name   string
		method string
		origin string
		status int
		allow  string
	}{
		{"preflight allowed", http.MethodOptions, "http://ui.local", http.StatusNoContent, "http://ui.local"},
		{"preflight denied", http.MethodOptions, "http://evil.local", http.StatusForbidden, ""},
		{"post allowed", http.MethodPost, "http://ui.local", http.StatusOK, "http://ui.local"},
		{"post denied", http.MethodPost, "http://evil.local", http.StatusForbidden, ""},
		{"get any origin", http.MethodGet, "http://evil.local", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, body := "/api/version", ""
			if tt.method != http.MethodGet {
				target, body = "/api/permit_join", `{"duration":0}`
			}
			req := httptest.NewRequest(tt.method, target, strings.NewReader(body))
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
				t.Errorf("allow origin = %q, want %q", got, tt.allow)
			}
		})
	}
}
