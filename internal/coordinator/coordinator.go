package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-go-deconz/internal/adapter"
	"zigbee-go-deconz/internal/correlate"
	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

// SerialConfig holds radio port configuration for display purposes.
type SerialConfig struct {
	Port string
	Baud int
}

// Coordinator manages the Zigbee network through a radio adapter.
type Coordinator struct {
	adapter  adapter.Adapter
	store    store.Store
	registry *zcl.Registry
	deviceDB *DeviceDB
	devices  *DeviceManager
	logger   *slog.Logger
	serial   SerialConfig
	tsn      correlate.TransactionIDs

	mu      sync.RWMutex
	local   *adapter.Coordinator
	version *adapter.CoordinatorVersion
	unsubs  []func()
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Coordinator. deviceDB may be nil.
func New(a adapter.Adapter, st store.Store, registry *zcl.Registry, deviceDB *DeviceDB, serial SerialConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		adapter:  a,
		store:    st,
		registry: registry,
		deviceDB: deviceDB,
		logger:   logger.With("component", "coordinator"),
		serial:   serial,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.devices = NewDeviceManager(c)
	c.devices.RebuildAddrIndex()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start brings the adapter up, reads the coordinator's identity and network
// parameters and begins handling adapter events.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("starting adapter...")
	res, err := c.adapter.Start(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: start adapter: %w", err)
	}

	local, err := c.adapter.Coordinator(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read coordinator: %w", err)
	}
	version, err := c.adapter.CoordinatorVersion(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read version: %w", err)
	}
	np, err := c.adapter.NetworkParameters(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read network parameters: %w", err)
	}

	c.mu.Lock()
	c.local, c.version = local, version
	c.mu.Unlock()

	if err := c.store.SaveNetworkState(&store.NetworkState{
		Channel:          np.Channel,
		PanID:            np.PANID,
		ExtPanID:         np.ExtendedPANID,
		CoordinatorIEEE:  local.IEEEAddress,
		FirmwareType:     version.Type,
		FirmwareRevision: version.Revision,
		UpdatedAt:        time.Now(),
	}); err != nil {
		c.logger.Error("save network state", "err", err)
	}

	c.subscribe()
	c.logger.Info("network started", "result", res,
		"channel", np.Channel,
		"panID", fmt.Sprintf("0x%04X", np.PANID),
		"ieee", local.IEEEAddress,
		"firmware", version.Type+" "+version.Revision)
	return nil
}

func (c *Coordinator) subscribe() {
	bus := c.adapter.Events()
	dm := c.devices
	unsubs := []func(){
		bus.On(event.KindDeviceJoined, func(ev event.Event) {
			j := ev.(event.DeviceJoined)
			dm.HandleJoin(j.IEEEAddress, j.NetworkAddress, j.Capabilities)
		}),
		bus.On(event.KindDeviceAnnounce, func(ev event.Event) {
			a := ev.(event.DeviceAnnounce)
			dm.HandleAnnounce(a.IEEEAddress, a.NetworkAddress, a.Capabilities)
		}),
		bus.On(event.KindDeviceLeave, func(ev event.Event) {
			dm.HandleLeave(ev.(event.DeviceLeave))
		}),
		bus.On(event.KindZCLData, func(ev event.Event) {
			d := ev.(event.ZCLData)
			dm.HandleTraffic(d.Address, d.IEEEAddress, d.LinkQuality, d.RSSI)
		}),
		bus.On(event.KindRawData, func(ev event.Event) {
			d := ev.(event.RawData)
			dm.HandleTraffic(d.Address, d.IEEEAddress, d.LinkQuality, d.RSSI)
		}),
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubs...)
	c.mu.Unlock()
}

// Stop cancels the coordinator context, waits for in-progress interviews
// and stops the adapter.
func (c *Coordinator) Stop() error {
	c.cancel()
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	c.devices.CancelAllInterviews()
	return c.adapter.Stop()
}

// PermitJoin opens or closes the network for device joining.
func (c *Coordinator) PermitJoin(ctx context.Context, duration uint8) error {
	if err := c.adapter.PermitJoin(ctx, duration, zdo.BroadcastRouters); err != nil {
		return fmt.Errorf("permit join: %w", err)
	}
	return nil
}

// NetworkInfo reads the current network parameters from the radio.
func (c *Coordinator) NetworkInfo(ctx context.Context) (map[string]any, error) {
	np, err := c.adapter.NetworkParameters(ctx)
	if err != nil {
		return nil, err
	}
	info := map[string]any{
		"channel":    np.Channel,
		"pan_id":     fmt.Sprintf("0x%04X", np.PANID),
		"ext_pan_id": np.ExtendedPANID,
		"port":       c.serial.Port,
		"baud":       c.serial.Baud,
	}
	c.mu.RLock()
	if c.local != nil {
		info["coordinator_ieee"] = c.local.IEEEAddress
	}
	if c.version != nil {
		info["firmware_type"] = c.version.Type
		info["firmware_revision"] = c.version.Revision
	}
	c.mu.RUnlock()
	return info, nil
}

// CoordinatorInfo describes the local radio node.
type CoordinatorInfo struct {
	adapter.Coordinator
	Version *adapter.CoordinatorVersion `json:"version"`
}

// LocalCoordinator returns the coordinator identity read at Start.
func (c *Coordinator) LocalCoordinator() (*CoordinatorInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil {
		return nil, errors.New("coordinator: not started")
	}
	return &CoordinatorInfo{Coordinator: *c.local, Version: c.version}, nil
}

// LocalIEEE returns the coordinator's own IEEE address, or "" before Start.
func (c *Coordinator) LocalIEEE() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.local == nil {
		return ""
	}
	return c.local.IEEEAddress
}

// NextTransactionSeq returns a ZCL transaction sequence number.
func (c *Coordinator) NextTransactionSeq() uint8 {
	return c.tsn.Next()
}

// Adapter returns the radio adapter.
func (c *Coordinator) Adapter() adapter.Adapter {
	return c.adapter
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// DeviceDB returns the device definitions database.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the adapter's event bus.
func (c *Coordinator) Events() *event.Bus {
	return c.adapter.Events()
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
