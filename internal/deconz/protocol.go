package deconz

// deCONZ serial protocol: frame codec, checksum, command and parameter IDs.

import (
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-go-deconz/internal/correlate"
)

// Command IDs.
const (
	cmdAPSDataConfirm     uint8 = 0x04
	cmdDeviceState        uint8 = 0x07
	cmdReadParameter      uint8 = 0x0A
	cmdWriteParameter     uint8 = 0x0B
	cmdVersion            uint8 = 0x0D
	cmdDeviceStateChanged uint8 = 0x0E
	cmdAPSDataRequest     uint8 = 0x12
	cmdAPSDataIndication  uint8 = 0x17
)

// cmdName returns a human-readable name for a command ID.
func cmdName(id uint8) string {
	switch id {
	case cmdAPSDataConfirm:
		return "APS_DATA_CONFIRM"
	case cmdDeviceState:
		return "DEVICE_STATE"
	case cmdReadParameter:
		return "READ_PARAMETER"
	case cmdWriteParameter:
		return "WRITE_PARAMETER"
	case cmdVersion:
		return "VERSION"
	case cmdDeviceStateChanged:
		return "DEVICE_STATE_CHANGED"
	case cmdAPSDataRequest:
		return "APS_DATA_REQUEST"
	case cmdAPSDataIndication:
		return "APS_DATA_INDICATION"
	default:
		return fmt.Sprintf("0x%02X", id)
	}
}

// Network parameter IDs.
const (
	ParamMACAddress     uint8 = 0x01
	ParamPANID          uint8 = 0x05
	ParamNetworkAddress uint8 = 0x07
	ParamExtendedPANID  uint8 = 0x08
	ParamCurrentChannel uint8 = 0x1C
	ParamPermitJoin     uint8 = 0x21
)

// Frame status codes.
const (
	statusSuccess      uint8 = 0x00
	statusFailure      uint8 = 0x01
	statusBusy         uint8 = 0x02
	statusTimeout      uint8 = 0x03
	statusUnsupported  uint8 = 0x04
	statusError        uint8 = 0x05
	statusNoNetwork    uint8 = 0x06
	statusInvalidValue uint8 = 0x07
)

func statusName(s uint8) string {
	switch s {
	case statusSuccess:
		return "SUCCESS"
	case statusFailure:
		return "FAILURE"
	case statusBusy:
		return "BUSY"
	case statusTimeout:
		return "TIMEOUT"
	case statusUnsupported:
		return "UNSUPPORTED"
	case statusError:
		return "ERROR"
	case statusNoNetwork:
		return "NO_NETWORK"
	case statusInvalidValue:
		return "INVALID_VALUE"
	default:
		return fmt.Sprintf("0x%02X", s)
	}
}

// Device state byte layout.
const (
	stateNetworkMask   uint8 = 0x03
	stateAPSConfirm    uint8 = 0x04
	stateAPSIndication uint8 = 0x08
	stateConfChanged   uint8 = 0x10
	stateFreeSlots     uint8 = 0x20
)

// Network states.
const (
	NetworkOffline   uint8 = 0
	NetworkJoining   uint8 = 1
	NetworkConnected uint8 = 2
	NetworkLeaving   uint8 = 3
)

// Transmit radius.
const (
	DefaultRadius   uint8 = 30
	UnlimitedRadius uint8 = 0
)

// indicationFlags asks the firmware to append link quality and RSSI.
const indicationFlags uint8 = 0x04

// headerSize is command, sequence, status and the 16-bit frame length.
const headerSize = 5

// ErrStatus reports a non-success status in a response frame.
var ErrStatus = errors.New("deconz: bad status")

type frame struct {
	Command uint8
	Seq     uint8
	Status  uint8
	Payload []byte
}

// checksum is the two's complement of the byte sum.
func checksum(b []byte) uint16 {
	var sum uint16
	for _, c := range b {
		sum += uint16(c)
	}
	return ^sum + 1
}

// encodeFrame serializes a frame and appends the checksum.
func encodeFrame(f frame) []byte {
	buf := make([]byte, 0, headerSize+len(f.Payload)+2)
	buf = append(buf, f.Command, f.Seq, f.Status)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(headerSize+len(f.Payload)))
	buf = append(buf, f.Payload...)
	return binary.LittleEndian.AppendUint16(buf, checksum(buf))
}

// decodeFrame parses a deframed packet and verifies its checksum.
func decodeFrame(data []byte) (frame, error) {
	if len(data) < headerSize+2 {
		return frame{}, fmt.Errorf("deconz: frame too short: %d bytes", len(data))
	}
	body, crc := data[:len(data)-2], binary.LittleEndian.Uint16(data[len(data)-2:])
	if got := checksum(body); got != crc {
		return frame{}, fmt.Errorf("deconz: checksum mismatch: got 0x%04X, want 0x%04X", crc, got)
	}
	if n := int(binary.LittleEndian.Uint16(body[3:5])); n != len(body) {
		return frame{}, fmt.Errorf("deconz: frame length %d, have %d bytes", n, len(body))
	}
	f := frame{Command: body[0], Seq: body[1], Status: body[2]}
	if len(body) > headerSize {
		f.Payload = make([]byte, len(body)-headerSize)
		copy(f.Payload, body[headerSize:])
	}
	return f, nil
}

// withLength prefixes a payload with its 16-bit length.
func withLength(payload ...byte) []byte {
	return append(binary.LittleEndian.AppendUint16(nil, uint16(len(payload))), payload...)
}

// APSRequest is an outgoing APS data request.
type APSRequest struct {
	RequestID   uint8
	DstAddrMode uint8
	DstAddr16   uint16
	DstAddr64   uint64
	DstEndpoint uint8
	ProfileID   uint16
	ClusterID   uint16
	SrcEndpoint uint8
	ASDU        []byte
	TxOptions   uint8
	Radius      uint8
}

func (r APSRequest) payload() ([]byte, error) {
	b := []byte{r.RequestID, 0x00, r.DstAddrMode}
	switch r.DstAddrMode {
	case correlate.AddrModeGroup:
		b = binary.LittleEndian.AppendUint16(b, r.DstAddr16)
	case correlate.AddrModeNWK:
		b = binary.LittleEndian.AppendUint16(b, r.DstAddr16)
		b = append(b, r.DstEndpoint)
	case correlate.AddrModeIEEE:
		b = binary.LittleEndian.AppendUint64(b, r.DstAddr64)
		b = append(b, r.DstEndpoint)
	default:
		return nil, fmt.Errorf("deconz: unsupported destination address mode 0x%02X", r.DstAddrMode)
	}
	b = binary.LittleEndian.AppendUint16(b, r.ProfileID)
	b = binary.LittleEndian.AppendUint16(b, r.ClusterID)
	b = append(b, r.SrcEndpoint)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(r.ASDU)))
	b = append(b, r.ASDU...)
	b = append(b, r.TxOptions, r.Radius)
	return withLength(b...), nil
}

// reader walks a response payload, remembering the first short read.
type reader struct {
	b   []byte
	pos int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.pos < n {
		r.err = fmt.Errorf("deconz: payload truncated at %d, need %d of %d", r.pos, n, len(r.b))
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.pos]
	r.pos++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.pos:])
	r.pos += n
	return v
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

// address reads an address in the given mode. Mode 0x04 carries both forms.
func (r *reader) address(mode uint8) (uint16, uint64) {
	switch mode {
	case correlate.AddrModeGroup, correlate.AddrModeNWK:
		return r.u16(), 0
	case correlate.AddrModeIEEE:
		return 0, r.u64()
	case correlate.AddrModeNWKIEEE:
		return r.u16(), r.u64()
	}
	if r.err == nil {
		r.err = fmt.Errorf("deconz: unknown address mode 0x%02X", mode)
	}
	return 0, 0
}

// parseIndication parses an APS_DATA_INDICATION response payload. It returns
// the device state carried in the response. The trailing link quality and
// RSSI are optional.
func parseIndication(p []byte) (*correlate.Indication, uint8, error) {
	r := &reader{b: p}
	r.u16() // payload length
	state := r.u8()
	ind := &correlate.Indication{}
	ind.DstAddrMode = r.u8()
	ind.DstAddr16, ind.DstAddr64 = r.address(ind.DstAddrMode)
	ind.DstEndpoint = r.u8()
	ind.SrcAddrMode = r.u8()
	ind.SrcAddr16, ind.SrcAddr64 = r.address(ind.SrcAddrMode)
	ind.SrcEndpoint = r.u8()
	ind.ProfileID = r.u16()
	ind.ClusterID = r.u16()
	n := int(r.u16())
	ind.ASDU = r.bytes(n)
	if r.err != nil {
		return nil, state, r.err
	}
	if r.remaining() >= 3 {
		r.pos += 2
		ind.LinkQuality = r.u8()
	}
	if r.remaining() >= 5 {
		r.pos += 4
		ind.RSSI = int8(r.u8())
	}
	return ind, state, nil
}

// apsConfirm is the outcome of a transmitted APS request.
type apsConfirm struct {
	RequestID uint8
	DstAddr16 uint16
	DstAddr64 uint64
	Status    uint8
}

// parseConfirm parses an APS_DATA_CONFIRM response payload.
func parseConfirm(p []byte) (apsConfirm, uint8, error) {
	r := &reader{b: p}
	r.u16()
	state := r.u8()
	c := apsConfirm{RequestID: r.u8()}
	mode := r.u8()
	c.DstAddr16, c.DstAddr64 = r.address(mode)
	if mode != correlate.AddrModeGroup {
		r.u8() // destination endpoint
	}
	r.u8() // source endpoint
	c.Status = r.u8()
	if r.err != nil {
		return apsConfirm{}, state, r.err
	}
	return c, state, nil
}
