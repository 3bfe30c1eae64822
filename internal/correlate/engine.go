// Package correlate matches asynchronous radio indications to the requests
// waiting for them and routes everything else out as events.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/zcl"
	"zigbee-go-deconz/internal/zdo"
)

const (
	// Timeout is the age at which a pending request is rejected.
	Timeout = 60 * time.Second
	// SweepInterval is the period of the background sweep.
	SweepInterval = time.Second
)

// ErrTimeout is returned to a waiter that saw no matching indication in time.
var ErrTimeout = errors.New("correlate: request timed out")

// Address modes carried by indications.
const (
	AddrModeGroup   uint8 = 0x01
	AddrModeNWK     uint8 = 0x02
	AddrModeIEEE    uint8 = 0x03
	AddrModeNWKIEEE uint8 = 0x04
)

// Key identifies what a pending request waits for.
type Key struct {
	Addr      uint16
	ProfileID uint16
	ClusterID uint16
}

func (k Key) String() string {
	return fmt.Sprintf("0x%04X/0x%04X/0x%04X", k.Addr, k.ProfileID, k.ClusterID)
}

// Indication is an inbound APS data indication.
type Indication struct {
	SrcAddrMode uint8
	SrcAddr16   uint16
	SrcAddr64   uint64
	ProfileID   uint16
	ClusterID   uint16
	SrcEndpoint uint8
	DstAddrMode uint8
	DstAddr16   uint16
	DstAddr64   uint64
	DstEndpoint uint8
	LinkQuality uint8
	RSSI        int8
	ASDU        []byte
}

// ShortSource returns the source network address when the indication
// carries one.
func (ind *Indication) ShortSource() (uint16, bool) {
	switch ind.SrcAddrMode {
	case AddrModeNWK, AddrModeNWKIEEE:
		return ind.SrcAddr16, true
	}
	return 0, false
}

// LongSource returns the canonical source IEEE address when the indication
// carries one.
func (ind *Indication) LongSource() string {
	switch ind.SrcAddrMode {
	case AddrModeIEEE, AddrModeNWKIEEE:
		return zcl.FormatUint64(ind.SrcAddr64)
	}
	return ""
}

// groupID returns the destination group of a group-addressed indication.
func (ind *Indication) groupID() uint16 {
	if ind.DstAddrMode == AddrModeGroup {
		return ind.DstAddr16
	}
	return 0
}

type result struct {
	ind *Indication
	err error
}

// Waiter is the caller's side of a pending request.
type Waiter struct {
	key     Key
	created time.Time
	ch      chan result
}

// Key returns what the waiter is matched on.
func (w *Waiter) Key() Key { return w.key }

// Wait blocks until the request is matched, times out or ctx ends. A
// resolution arriving after ctx ended is discarded.
func (w *Waiter) Wait(ctx context.Context) (*Indication, error) {
	select {
	case r := <-w.ch:
		return r.ind, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the pending request table.
type Engine struct {
	mu      sync.Mutex
	pending []*Waiter

	joinMu        sync.RWMutex
	joinPermitted bool

	registry *zcl.Registry
	bus      *event.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine that decodes ZCL payloads with reg and emits
// unmatched traffic on bus.
func NewEngine(reg *zcl.Registry, bus *event.Bus, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "correlate"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the cluster registry used to decode ZCL payloads.
func (e *Engine) Registry() *zcl.Registry { return e.registry }

// Register adds a pending request. Register before sending so a fast
// response cannot be missed.
func (e *Engine) Register(key Key) *Waiter {
	w := &Waiter{key: key, created: e.now(), ch: make(chan result, 1)}
	e.mu.Lock()
	e.pending = append(e.pending, w)
	e.mu.Unlock()
	return w
}

// Pending returns the number of unresolved requests.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SetJoinPermitted controls whether device announcements are reported as
// joins or as announcements.
func (e *Engine) SetJoinPermitted(v bool) {
	e.joinMu.Lock()
	e.joinPermitted = v
	e.joinMu.Unlock()
}

// JoinPermitted reports the current join state.
func (e *Engine) JoinPermitted() bool {
	e.joinMu.RLock()
	defer e.joinMu.RUnlock()
	return e.joinPermitted
}

// OnIndication resolves the oldest pending request matching ind, sweeps
// expired requests and emits an event for the indication's payload.
func (e *Engine) OnIndication(ind *Indication) {
	now := e.now()
	src, hasSrc := ind.ShortSource()

	e.mu.Lock()
	matched := false
	kept := e.pending[:0]
	var expired []*Waiter
	for _, w := range e.pending {
		if !matched && hasSrc && w.key == (Key{Addr: src, ProfileID: ind.ProfileID, ClusterID: ind.ClusterID}) {
			w.ch <- result{ind: ind}
			matched = true
			continue
		}
		if now.Sub(w.created) >= Timeout {
			expired = append(expired, w)
			continue
		}
		kept = append(kept, w)
	}
	clear(e.pending[len(kept):])
	e.pending = kept
	e.mu.Unlock()

	e.reject(expired)
	if matched {
		e.logger.Debug("indication matched",
			"addr", fmt.Sprintf("0x%04X", src),
			"cluster", fmt.Sprintf("0x%04X", ind.ClusterID))
	}
	e.dispatch(ind)
}

// Sweep rejects every request older than Timeout at now.
func (e *Engine) Sweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("sweep panic", "panic", r)
		}
	}()

	e.mu.Lock()
	kept := e.pending[:0]
	var expired []*Waiter
	for _, w := range e.pending {
		if now.Sub(w.created) >= Timeout {
			expired = append(expired, w)
			continue
		}
		kept = append(kept, w)
	}
	clear(e.pending[len(kept):])
	e.pending = kept
	e.mu.Unlock()

	e.reject(expired)
}

// Run sweeps every SweepInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.now())
		}
	}
}

func (e *Engine) reject(expired []*Waiter) {
	for _, w := range expired {
		w.ch <- result{err: fmt.Errorf("%w: %s", ErrTimeout, w.key)}
		e.logger.Debug("request timed out", "key", w.key.String())
	}
}

// dispatch turns an indication into an event. A device announcement becomes
// a join or announce event; application profile traffic becomes ZCL data, or
// raw data when it cannot be decoded. Other ZDO traffic emits nothing.
func (e *Engine) dispatch(ind *Indication) {
	if e.bus == nil {
		return
	}
	if ind.ProfileID == zdo.ProfileID {
		if ind.ClusterID != zdo.DeviceAnnounce {
			return
		}
		a, err := zdo.ParseAnnounce(ind.ASDU)
		if err != nil {
			e.logger.Warn("bad device announce", "err", err)
			return
		}
		if e.JoinPermitted() {
			e.bus.Emit(event.DeviceJoined{NetworkAddress: a.NetworkAddress, IEEEAddress: a.IEEEAddress, Capabilities: a.Capabilities})
		} else {
			e.bus.Emit(event.DeviceAnnounce{NetworkAddress: a.NetworkAddress, IEEEAddress: a.IEEEAddress, Capabilities: a.Capabilities})
		}
		return
	}

	// An IEEE-only sender has no network address; Address stays 0 and
	// IEEEAddress identifies it.
	nwk, _ := ind.ShortSource()
	ieee := ind.LongSource()
	frame, err := zcl.Decode(e.registry, ind.ClusterID, ind.ASDU)
	if err != nil {
		e.logger.Debug("delivering raw data",
			"addr", fmt.Sprintf("0x%04X", nwk), "ieee", ieee,
			"cluster", fmt.Sprintf("0x%04X", ind.ClusterID),
			"err", err)
		data := make([]byte, len(ind.ASDU))
		copy(data, ind.ASDU)
		e.bus.Emit(event.RawData{
			Address:     nwk,
			IEEEAddress: ieee,
			Endpoint:    ind.SrcEndpoint,
			DstEndpoint: ind.DstEndpoint,
			GroupID:     ind.groupID(),
			ProfileID:   ind.ProfileID,
			ClusterID:   ind.ClusterID,
			LinkQuality: ind.LinkQuality,
			RSSI:        ind.RSSI,
			Data:        data,
			Reason:      err.Error(),
		})
		return
	}
	e.bus.Emit(event.ZCLData{
		Address:     nwk,
		IEEEAddress: ieee,
		Endpoint:    ind.SrcEndpoint,
		DstEndpoint: ind.DstEndpoint,
		GroupID:     ind.groupID(),
		LinkQuality: ind.LinkQuality,
		RSSI:        ind.RSSI,
		Frame:       frame,
	})
}
