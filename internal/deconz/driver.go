package deconz

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/semaphore"

	"zigbee-go-deconz/internal/correlate"
)

const (
	respTimeout         = 5 * time.Second
	defaultPollInterval = time.Second
	// maxOutstandingWrites bounds concurrent APS data requests.
	maxOutstandingWrites = 2
)

// ErrClosed is returned by requests on a closed driver.
var ErrClosed = errors.New("deconz: driver closed")

type pendingRequest struct {
	cmd uint8
	ch  chan frame
}

// Driver speaks the deCONZ serial protocol over a byte stream.
type Driver struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	seq       atomic.Uint32
	pending   map[uint8]pendingRequest
	pendingMu sync.Mutex
	writeMu   sync.Mutex
	apsGate   *semaphore.Weighted

	pollInterval time.Duration
	readingInd   atomic.Bool
	readingConf  atomic.Bool
	netState     atomic.Uint32

	handlerMu    sync.RWMutex
	onIndication func(*correlate.Indication)

	// lifecycleMu orders spawn against Close so no goroutine is added
	// once Close started waiting.
	lifecycleMu sync.Mutex
	closed      bool
	done        chan struct{}
	wg          sync.WaitGroup
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithPollInterval sets how often the device state is polled. Zero disables
// polling; the driver then relies on DEVICE_STATE_CHANGED notifications.
func WithPollInterval(d time.Duration) DriverOption {
	return func(drv *Driver) { drv.pollInterval = d }
}

// OpenSerial opens a ConBee / RaspBee serial port and starts a driver on it.
func OpenSerial(portName string, baudRate int, logger *slog.Logger, opts ...DriverOption) (*Driver, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("deconz: open %s: %w", portName, err)
	}
	return NewDriver(port, logger, opts...), nil
}

// NewDriver starts a driver on an open port.
func NewDriver(port io.ReadWriteCloser, logger *slog.Logger, opts ...DriverOption) *Driver {
	d := &Driver{
		port:         port,
		reader:       bufio.NewReader(port),
		logger:       logger.With("component", "deconz"),
		pending:      make(map[uint8]pendingRequest),
		apsGate:      semaphore.NewWeighted(maxOutstandingWrites),
		pollInterval: defaultPollInterval,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.wg.Add(1)
	go d.readLoop()
	if d.pollInterval > 0 {
		d.wg.Add(1)
		go d.pollLoop()
	}
	return d
}

// OnIndication sets the handler for inbound APS data indications.
func (d *Driver) OnIndication(handler func(*correlate.Indication)) {
	d.handlerMu.Lock()
	d.onIndication = handler
	d.handlerMu.Unlock()
}

// NetworkState returns the last network state reported by the device.
func (d *Driver) NetworkState() uint8 {
	return uint8(d.netState.Load())
}

func (d *Driver) nextSeq() uint8 {
	return uint8(d.seq.Add(1))
}

// request writes a command and waits for the response with the same
// sequence number.
func (d *Driver) request(ctx context.Context, cmd uint8, payload []byte) (frame, error) {
	seq := d.nextSeq()
	ch := make(chan frame, 1)
	d.pendingMu.Lock()
	d.pending[seq] = pendingRequest{cmd: cmd, ch: ch}
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, seq)
		d.pendingMu.Unlock()
	}()

	raw := slipEncode(encodeFrame(frame{Command: cmd, Seq: seq, Payload: payload}))
	d.writeMu.Lock()
	_, err := d.port.Write(raw)
	d.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("deconz: write %s: %w", cmdName(cmd), err)
	}
	d.logger.Debug("deconz TX", "cmd", cmdName(cmd), "seq", seq, "payload", fmt.Sprintf("%X", payload))

	timer := time.NewTimer(respTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Status != statusSuccess {
			return resp, fmt.Errorf("%w: %s: %s", ErrStatus, cmdName(cmd), statusName(resp.Status))
		}
		return resp, nil
	case <-timer.C:
		return frame{}, fmt.Errorf("deconz: %s: no response", cmdName(cmd))
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-d.done:
		return frame{}, ErrClosed
	}
}

// Version reads the firmware version.
func (d *Driver) Version(ctx context.Context) (uint32, error) {
	resp, err := d.request(ctx, cmdVersion, []byte{0, 0, 0, 0})
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) < 4 {
		return 0, fmt.Errorf("deconz: version payload of %d bytes", len(resp.Payload))
	}
	return binary.LittleEndian.Uint32(resp.Payload), nil
}

// ReadParameter reads a network parameter and returns its raw value.
func (d *Driver) ReadParameter(ctx context.Context, param uint8) ([]byte, error) {
	resp, err := d.request(ctx, cmdReadParameter, withLength(param))
	if err != nil {
		return nil, fmt.Errorf("read parameter 0x%02X: %w", param, err)
	}
	// payload length, parameter ID, value
	if len(resp.Payload) < 3 || resp.Payload[2] != param {
		return nil, fmt.Errorf("deconz: read parameter 0x%02X: unexpected response % X", param, resp.Payload)
	}
	return resp.Payload[3:], nil
}

// WriteParameter writes a network parameter.
func (d *Driver) WriteParameter(ctx context.Context, param uint8, value []byte) error {
	if _, err := d.request(ctx, cmdWriteParameter, withLength(append([]byte{param}, value...)...)); err != nil {
		return fmt.Errorf("write parameter 0x%02X: %w", param, err)
	}
	return nil
}

// DeviceState queries the device state byte.
func (d *Driver) DeviceState(ctx context.Context) (uint8, error) {
	resp, err := d.request(ctx, cmdDeviceState, []byte{0, 0, 0})
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) < 1 {
		return 0, fmt.Errorf("deconz: empty device state")
	}
	return resp.Payload[0], nil
}

// SendAPS queues an APS data request. It returns once the device accepted
// the request for transmission, not when the destination received it.
func (d *Driver) SendAPS(ctx context.Context, req APSRequest) error {
	payload, err := req.payload()
	if err != nil {
		return err
	}
	if err := d.apsGate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.apsGate.Release(1)

	resp, err := d.request(ctx, cmdAPSDataRequest, payload)
	if err != nil {
		return fmt.Errorf("aps request %d to 0x%04X: %w", req.RequestID, req.DstAddr16, err)
	}
	// payload length, device state, request ID
	if len(resp.Payload) >= 3 {
		d.handleDeviceState(resp.Payload[2])
	}
	return nil
}

// --- Read loop ---

func (d *Driver) readLoop() {
	defer d.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-d.done:
			return
		default:
		}

		raw, err := readSLIPFrame(d.reader)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "closed") {
				// A closed stream never recovers; wait for Close.
				<-d.done
				return
			}
			d.logger.Error("deconz read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-d.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		f, err := decodeFrame(raw)
		if err != nil {
			d.logger.Warn("deconz decode error", "err", err, "raw", fmt.Sprintf("%X", raw))
			continue
		}
		d.logger.Debug("deconz RX", "cmd", cmdName(f.Command), "seq", f.Seq, "status", statusName(f.Status))

		d.pendingMu.Lock()
		p, ok := d.pending[f.Seq]
		d.pendingMu.Unlock()
		if ok && p.cmd == f.Command {
			select {
			case p.ch <- f:
			default:
			}
			continue
		}

		switch f.Command {
		case cmdDeviceStateChanged:
			if len(f.Payload) > 0 {
				d.handleDeviceState(f.Payload[0])
			}
		default:
			d.logger.Warn("deconz orphaned response", "cmd", cmdName(f.Command), "seq", f.Seq)
		}
	}
}

func (d *Driver) pollLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), respTimeout)
			state, err := d.DeviceState(ctx)
			cancel()
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					d.logger.Debug("deconz device state poll failed", "err", err)
				}
				continue
			}
			d.handleDeviceState(state)
		}
	}
}

// handleDeviceState records the network state and starts reading a pending
// indication or confirm. At most one read of each kind runs at a time.
func (d *Driver) handleDeviceState(state uint8) {
	d.netState.Store(uint32(state & stateNetworkMask))
	if state&stateAPSIndication != 0 && d.readingInd.CompareAndSwap(false, true) {
		d.spawn(func() {
			next, ok := d.readIndication()
			d.readingInd.Store(false)
			if ok {
				d.handleDeviceState(next)
			}
		})
	}
	if state&stateAPSConfirm != 0 && d.readingConf.CompareAndSwap(false, true) {
		d.spawn(func() {
			next, ok := d.readConfirm()
			d.readingConf.Store(false)
			if ok {
				d.handleDeviceState(next)
			}
		})
	}
}

// spawn runs fn on a tracked goroutine unless the driver is closed.
func (d *Driver) spawn(fn func()) {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// readIndication fetches one queued indication and hands it to the
// indication handler. It returns the device state carried in the response.
func (d *Driver) readIndication() (uint8, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), respTimeout)
	resp, err := d.request(ctx, cmdAPSDataIndication, withLength(indicationFlags))
	cancel()
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			d.logger.Warn("deconz read indication failed", "err", err)
		}
		return 0, false
	}
	ind, state, err := parseIndication(resp.Payload)
	if err != nil {
		d.logger.Warn("deconz bad indication", "err", err, "payload", fmt.Sprintf("%X", resp.Payload))
		return state, true
	}
	d.logger.Debug("aps indication",
		"src", fmt.Sprintf("0x%04X", ind.SrcAddr16),
		"profile", fmt.Sprintf("0x%04X", ind.ProfileID),
		"cluster", fmt.Sprintf("0x%04X", ind.ClusterID),
		"lqi", ind.LinkQuality)

	d.handlerMu.RLock()
	h := d.onIndication
	d.handlerMu.RUnlock()
	if h != nil {
		h(ind)
	}
	return state, true
}

// readConfirm fetches one queued transmit confirmation.
func (d *Driver) readConfirm() (uint8, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), respTimeout)
	resp, err := d.request(ctx, cmdAPSDataConfirm, withLength())
	cancel()
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			d.logger.Warn("deconz read confirm failed", "err", err)
		}
		return 0, false
	}
	c, state, err := parseConfirm(resp.Payload)
	if err != nil {
		d.logger.Warn("deconz bad confirm", "err", err, "payload", fmt.Sprintf("%X", resp.Payload))
		return state, true
	}
	if c.Status != 0 {
		d.logger.Warn("aps confirm failed",
			"request", c.RequestID,
			"dst", fmt.Sprintf("0x%04X", c.DstAddr16),
			"status", fmt.Sprintf("0x%02X", c.Status))
	} else {
		d.logger.Debug("aps confirm", "request", c.RequestID)
	}
	return state, true
}

// Close stops the driver and waits for its goroutines to exit.
func (d *Driver) Close() error {
	d.lifecycleMu.Lock()
	if d.closed {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.done)
	err := d.port.Close()
	d.lifecycleMu.Unlock()

	d.wg.Wait()
	return err
}
