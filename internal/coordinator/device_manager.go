package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"
)

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// DeviceManager handles device lifecycle (join, leave, interview).
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Interview cancellation: tracks active interview cancel funcs by IEEE.
	interviewMu      sync.Mutex
	interviewCancels map[string]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup
	retryDelay       time.Duration

	// Debounce duplicate announcements.
	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	// In-memory network address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[string]interviewEntry),
		retryDelay:       5 * time.Second,
		lastJoin:         make(map[string]time.Time),
		addrIndex:        make(map[uint16]string),
	}
}

// CancelAllInterviews cancels all running interview goroutines and waits for them.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for ieee, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, nwk uint16) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee && addr != nwk {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrIndex[nwk] = ieee
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

// lookupIEEE finds the IEEE address for a network address.
func (dm *DeviceManager) lookupIEEE(nwk uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[nwk]
}

// deviceName returns a human-readable display name for a device, or ""
// for devices that have not reported a model yet.
func deviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if dev.Manufacturer != "" && dev.Model != "" {
		return dev.Manufacturer + " " + dev.Model
	}
	return dev.Model
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.NetworkAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// upsert records a device at nwk, creating it if unknown.
func (dm *DeviceManager) upsert(ieee string, nwk uint16, caps uint8) (*store.Device, error) {
	dm.updateAddrIndex(ieee, nwk)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: time.Now()}
	}
	dev.NetworkAddress = nwk
	dev.Capabilities = caps
	dev.LastSeen = time.Now()
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		return nil, err
	}
	return dev, nil
}

// HandleJoin records a device that joined while the network was open and
// interviews it.
func (dm *DeviceManager) HandleJoin(ieee string, nwk uint16, caps uint8) {
	dev, err := dm.upsert(ieee, nwk, caps)
	if err != nil {
		dm.logger.Error("save device on join", "err", err, "ieee", ieee)
		return
	}
	dm.logger.Info("device joined", "ieee", ieee, "nwk", fmt.Sprintf("0x%04X", nwk), "name", deviceName(dev))
	dm.startInterview(ieee)
}

// HandleAnnounce updates a device's network address after a rejoin. Devices
// that were never interviewed successfully are interviewed again.
func (dm *DeviceManager) HandleAnnounce(ieee string, nwk uint16, caps uint8) {
	dev, err := dm.upsert(ieee, nwk, caps)
	if err != nil {
		dm.logger.Error("save device on announce", "err", err, "ieee", ieee)
		return
	}
	dm.logger.Info("device announce", "ieee", ieee, "nwk", fmt.Sprintf("0x%04X", nwk), "name", deviceName(dev))
	if !dev.Interviewed {
		dm.startInterview(ieee)
	}
}

func (dm *DeviceManager) startInterview(ieee string) {
	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[ieee]
	dm.interviewMu.Unlock()
	if interviewing {
		dm.logger.Debug("announce during interview, address updated", "ieee", ieee)
		return
	}

	// Debounce: avoid duplicate interviews from rapid announce events.
	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && time.Since(last) < 3*time.Second {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = time.Now()
	// Evict stale entries to prevent unbounded growth.
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	if dm.coord.Context().Err() != nil {
		return
	}
	dm.interviewWg.Add(1)
	go dm.Interview(ieee)
}

// HandleLeave forgets a device that left the network.
func (dm *DeviceManager) HandleLeave(ev event.DeviceLeave) {
	ieee := ev.IEEEAddress
	if ieee == "" {
		ieee = dm.lookupIEEE(ev.NetworkAddress)
	}
	if ieee == "" {
		dm.logger.Warn("leave from unknown device", "nwk", fmt.Sprintf("0x%04X", ev.NetworkAddress))
		return
	}
	dm.forget(ieee)
}

func (dm *DeviceManager) forget(ieee string) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[ieee]; ok {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()

	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()

	dm.removeFromAddrIndex(ieee)

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device", "err", err, "ieee", ieee)
		return
	}
	dm.logger.Info("device removed from store", "ieee", ieee)
}

// HandleTraffic records link quality and last-seen time for any frame a
// known device sends.
func (dm *DeviceManager) HandleTraffic(nwk uint16, ieee string, lqi uint8, rssi int8) {
	if ieee == "" {
		ieee = dm.lookupIEEE(nwk)
	}
	if ieee == "" {
		return
	}
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		d.LastSeen = time.Now()
		if lqi > 0 {
			d.LQI = lqi
			d.RSSI = rssi
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		dm.logger.Error("save device last_seen", "err", err, "ieee", ieee)
	}
}

// Interview queries a device for its descriptors and basic attributes.
// Retries up to 3 times, re-reading the device from store each time
// to pick up any network address changes from rejoins.
func (dm *DeviceManager) Interview(ieee string) {
	gen := dm.interviewGen.Add(1)

	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[ieee]; ok && entry.gen == gen {
			delete(dm.interviewCancels, ieee)
		}
		dm.interviewMu.Unlock()
		dm.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(dm.coord.Context(), 3*time.Minute)
	defer cancel()

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[ieee]; ok {
		prev.cancel()
	}
	dm.interviewCancels[ieee] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	const maxRetries = 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dev, err := dm.coord.Store().GetDevice(ieee)
		if err != nil {
			dm.logger.Error("interview: device not found", "ieee", ieee)
			return
		}

		dm.logger.Info("starting interview", "ieee", ieee,
			"nwk", fmt.Sprintf("0x%04X", dev.NetworkAddress), "attempt", attempt)

		lastErr = dm.interviewOnce(ctx, dev)
		if lastErr == nil {
			dev.Interviewed = true
			dev.InterviewError = ""
			if err := dm.coord.Store().SaveDevice(dev); err != nil {
				dm.logger.Error("interview: save", "err", err, "ieee", ieee)
			}
			dm.logger.Info("interview complete", "ieee", ieee, "name", deviceName(dev), "endpoints", len(dev.Endpoints))
			dm.coord.Events().Emit(event.DeviceInterviewed{
				IEEEAddress:    ieee,
				NetworkAddress: dev.NetworkAddress,
				Success:        true,
			})
			return
		}

		dm.logger.Warn("interview failed", "err", lastErr, "ieee", ieee, "attempt", attempt)
		if ctx.Err() != nil {
			return
		}
		if attempt < maxRetries {
			jitter := time.Duration(rand.Int64N(int64(dm.retryDelay)/2 + 1))
			delay := dm.retryDelay + jitter
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}

	dm.logger.Error("interview failed after retries", "ieee", ieee, "attempts", maxRetries)
	err := dm.coord.Store().UpdateDevice(ieee, func(d *store.Device) error {
		d.InterviewError = lastErr.Error()
		return nil
	})
	if err != nil {
		dm.logger.Error("interview: save error", "err", err, "ieee", ieee)
	}
	dm.coord.Events().Emit(event.DeviceInterviewed{
		IEEEAddress: ieee,
		Success:     false,
		Error:       lastErr.Error(),
	})
}

// interviewOnce fills dev from the node descriptor, the endpoint list and
// each endpoint's simple descriptor, then applies its device definition.
func (dm *DeviceManager) interviewOnce(ctx context.Context, dev *store.Device) error {
	a := dm.coord.Adapter()
	nwk := dev.NetworkAddress

	nd, err := a.NodeDescriptor(ctx, nwk)
	if err != nil {
		return fmt.Errorf("node descriptor: %w", err)
	}
	dev.DeviceType = nd.DeviceType()
	dev.ManufacturerCode = nd.ManufacturerCode

	eps, err := a.ActiveEndpoints(ctx, nwk)
	if err != nil {
		return fmt.Errorf("active endpoints: %w", err)
	}

	dev.Endpoints = make([]store.Endpoint, 0, len(eps))
	for _, ep := range eps {
		sd, err := a.SimpleDescriptor(ctx, nwk, ep)
		if err != nil {
			dm.logger.Warn("interview: simple descriptor", "err", err, "ieee", dev.IEEEAddress, "ep", ep)
			continue
		}
		dev.Endpoints = append(dev.Endpoints, store.EndpointFromDescriptor(sd))
		dm.logger.Info("endpoint discovered",
			"ieee", dev.IEEEAddress, "ep", ep,
			"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
			"device", fmt.Sprintf("0x%04X", sd.DeviceID),
			"in_clusters", len(sd.InputClusters),
			"out_clusters", len(sd.OutputClusters),
		)
	}

	for _, ep := range dev.Endpoints {
		if hasInCluster(ep, 0x0000) {
			dm.readBasicAttributes(ctx, dev, ep.ID)
			break
		}
	}

	var def *DeviceDefinition
	if db := dm.coord.DeviceDB(); db != nil {
		def = db.Lookup(dev.Manufacturer, dev.Model)
	}
	if def != nil && def.FriendlyName != "" {
		dev.FriendlyName = def.FriendlyName
	} else if dev.FriendlyName == "" && dev.Model != "" {
		dev.FriendlyName = dev.Model
	}
	if def != nil {
		dm.configureDevice(ctx, dev, def)
	}
	return nil
}

func (dm *DeviceManager) readBasicAttributes(ctx context.Context, dev *store.Device, ep uint8) {
	results, err := dm.coord.ReadAttributes(ctx, dev.NetworkAddress, ep, 0x0000, []uint16{0x0004, 0x0005})
	if err != nil {
		dm.logger.Warn("read basic attributes", "err", err, "ieee", dev.IEEEAddress)
		return
	}
	for _, r := range results {
		s, ok := r.Value.(string)
		if r.Status != 0 || !ok {
			continue
		}
		switch r.AttrID {
		case 0x0004:
			dev.Manufacturer = s
		case 0x0005:
			dev.Model = s
		}
	}
}

// configureDevice binds the clusters listed in the device definition to the
// coordinator and configures attribute reporting while the device is still
// awake after its interview.
func (dm *DeviceManager) configureDevice(ctx context.Context, dev *store.Device, def *DeviceDefinition) {
	coordIEEE := dm.coord.LocalIEEE()
	name := deviceName(dev)
	for _, ep := range dev.Endpoints {
		for _, cluster := range def.Bind {
			if coordIEEE == "" || !hasOutCluster(ep, cluster) {
				continue
			}
			err := dm.coord.Bind(ctx, dev.NetworkAddress, dev.IEEEAddress, ep.ID, cluster, coordIEEE, 1)
			if err != nil {
				dm.logger.Warn("configure: bind", "err", err, "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			} else {
				dm.logger.Info("bound cluster", "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			}
		}
	}

	clusters, records := reportingByCluster(def.Reporting)
	for _, ep := range dev.Endpoints {
		for _, cluster := range clusters {
			if !hasInCluster(ep, cluster) {
				continue
			}
			err := dm.coord.ConfigureReporting(ctx, dev.NetworkAddress, ep.ID, cluster, records[cluster]...)
			if err != nil {
				dm.logger.Warn("configure: reporting", "err", err, "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			} else {
				dm.logger.Info("configured reporting", "name", name, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster),
					"attributes", len(records[cluster]))
			}
		}
	}
}

func hasOutCluster(ep store.Endpoint, cluster uint16) bool {
	for _, c := range ep.OutClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

func hasInCluster(ep store.Endpoint, cluster uint16) bool {
	for _, c := range ep.InClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// RemoveDevice asks a device to leave and forgets it. The device is removed
// from the store even when the leave request fails.
func (dm *DeviceManager) RemoveDevice(ctx context.Context, ieee string) error {
	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return err
	}
	if err := dm.coord.Adapter().RemoveDevice(ctx, dev.NetworkAddress, ieee); err != nil {
		dm.logger.Warn("mgmt leave request failed", "ieee", ieee, "name", deviceName(dev), "err", err)
	}
	dm.forget(ieee)
	return nil
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}

// GetDeviceByAddress returns the device currently at network address nwk.
func (dm *DeviceManager) GetDeviceByAddress(nwk uint16) (*store.Device, error) {
	ieee := dm.lookupIEEE(nwk)
	if ieee == "" {
		return nil, fmt.Errorf("device 0x%04X: %w", nwk, store.ErrNotFound)
	}
	return dm.GetDevice(ieee)
}
