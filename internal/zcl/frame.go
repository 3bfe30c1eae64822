package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnknownCommand reports a command ID that is not registered for the
// frame's cluster and direction.
var ErrUnknownCommand = errors.New("zcl: unknown command")

// FrameType is the frame control frame type sub-field.
type FrameType uint8

const (
	FrameTypeGlobal   FrameType = 0 // foundation command, valid for every cluster
	FrameTypeSpecific FrameType = 1 // cluster-specific command
)

// FrameControl is the decoded frame control byte.
type FrameControl struct {
	FrameType              FrameType `json:"frameType"`
	ManufacturerSpecific   bool      `json:"manufacturerSpecific"`
	Direction              Direction `json:"direction"`
	DisableDefaultResponse bool      `json:"disableDefaultResponse"`
}

// Byte packs the frame control field. From the most significant bit: three
// reserved bits, disable default response, direction, manufacturer specific,
// a reserved bit and the frame type.
func (fc FrameControl) Byte() byte {
	b := byte(fc.FrameType) & 0x01
	if fc.ManufacturerSpecific {
		b |= 1 << 2
	}
	b |= byte(fc.Direction&0x01) << 3
	if fc.DisableDefaultResponse {
		b |= 1 << 4
	}
	return b
}

// ParseFrameControl unpacks a frame control byte.
func ParseFrameControl(b byte) FrameControl {
	return FrameControl{
		FrameType:              FrameType(b & 0x01),
		ManufacturerSpecific:   b&(1<<2) != 0,
		Direction:              Direction((b >> 3) & 0x01),
		DisableDefaultResponse: b&(1<<4) != 0,
	}
}

// Header is the ZCL frame header. ManufacturerCode is only carried on the
// wire when FrameControl.ManufacturerSpecific is set.
type Header struct {
	FrameControl     FrameControl `json:"frameControl"`
	ManufacturerCode uint16       `json:"manufacturerCode,omitempty"`
	TransactionSeq   uint8        `json:"transactionSequenceNumber"`
	CommandID        uint8        `json:"commandId"`
}

// Frame is a ZCL frame addressed to a cluster.
//
// Payload elements are encoded in order: uint8 as one byte, uint16 and
// []uint16 as little-endian words, []byte verbatim, TypedValue per its type,
// and the foundation record types (AttributeRecord, ReadRecord, StatusRecord,
// DefaultResponse) in their command layout.
type Frame struct {
	Header    Header `json:"header"`
	ClusterID uint16 `json:"clusterId"`
	Command   string `json:"command,omitempty"`
	Payload   []any  `json:"payload,omitempty"`
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	h := f.Header
	if h.ManufacturerCode != 0 && !h.FrameControl.ManufacturerSpecific {
		return nil, fmt.Errorf("%w: manufacturer code 0x%04X without manufacturer specific flag",
			ErrInvalidUsage, h.ManufacturerCode)
	}
	buf := make([]byte, 0, 8)
	buf = append(buf, h.FrameControl.Byte())
	if h.FrameControl.ManufacturerSpecific {
		buf = binary.LittleEndian.AppendUint16(buf, h.ManufacturerCode)
	}
	buf = append(buf, h.TransactionSeq, h.CommandID)

	for i, p := range f.Payload {
		var err error
		if buf, err = appendPayload(buf, p); err != nil {
			return nil, fmt.Errorf("zcl: payload element %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendPayload(dst []byte, p any) ([]byte, error) {
	switch v := p.(type) {
	case payloadAppender:
		return v.appendTo(dst)
	case uint8:
		return append(dst, v), nil
	case uint16:
		return binary.LittleEndian.AppendUint16(dst, v), nil
	case []uint16:
		for _, w := range v {
			dst = binary.LittleEndian.AppendUint16(dst, w)
		}
		return dst, nil
	case []byte:
		return append(dst, v...), nil
	case TypedValue:
		return appendValue(dst, v.Type, v.Value)
	}
	return nil, fmt.Errorf("%w: unsupported payload element %T", ErrInvalidUsage, p)
}

// Decode parses a ZCL frame received on clusterID. Foundation commands are
// always known; cluster-specific commands must be registered in reg for the
// frame's direction and keep their payload as raw bytes.
func Decode(reg *Registry, clusterID uint16, data []byte) (*Frame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedData)
	}
	if ft := data[0] & 0x03; ft > byte(FrameTypeSpecific) {
		return nil, fmt.Errorf("%w: reserved frame type %d", ErrMalformedData, ft)
	}
	fc := ParseFrameControl(data[0])
	hdrLen := 3
	if fc.ManufacturerSpecific {
		hdrLen = 5
	}
	if len(data) < hdrLen {
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrMalformedData, hdrLen, len(data))
	}

	f := &Frame{ClusterID: clusterID}
	f.Header.FrameControl = fc
	pos := 1
	if fc.ManufacturerSpecific {
		f.Header.ManufacturerCode = binary.LittleEndian.Uint16(data[1:])
		pos = 3
	}
	f.Header.TransactionSeq = data[pos]
	f.Header.CommandID = data[pos+1]
	payload := data[pos+2:]

	if fc.FrameType == FrameTypeGlobal {
		name, ok := foundationNames[f.Header.CommandID]
		if !ok {
			return nil, fmt.Errorf("%w: foundation command 0x%02X", ErrUnknownCommand, f.Header.CommandID)
		}
		p, err := parseFoundation(f.Header.CommandID, payload)
		if err != nil {
			return nil, fmt.Errorf("zcl: %s on cluster 0x%04X: %w", name, clusterID, err)
		}
		f.Command, f.Payload = name, p
		return f, nil
	}

	if reg == nil {
		return nil, fmt.Errorf("%w: 0x%02X on cluster 0x%04X", ErrUnknownCommand, f.Header.CommandID, clusterID)
	}
	cmd, ok := reg.Command(clusterID, f.Header.CommandID, fc.Direction)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02X %s on cluster 0x%04X",
			ErrUnknownCommand, f.Header.CommandID, fc.Direction, clusterID)
	}
	f.Command = cmd.Name
	f.Payload = rawPayload(payload)
	return f, nil
}

// NewReadAttributes builds a client to server read attributes request.
func NewReadAttributes(clusterID uint16, tsn uint8, attrIDs ...uint16) *Frame {
	return &Frame{
		Header: Header{
			FrameControl:   FrameControl{FrameType: FrameTypeGlobal, DisableDefaultResponse: true},
			TransactionSeq: tsn,
			CommandID:      FoundationReadAttributes,
		},
		ClusterID: clusterID,
		Command:   foundationNames[FoundationReadAttributes],
		Payload:   []any{attrIDs},
	}
}

// NewConfigureReporting builds a configure reporting request asking the
// server to report the given attributes.
func NewConfigureReporting(clusterID uint16, tsn uint8, records ...ReportingConfig) *Frame {
	payload := make([]any, len(records))
	for i, r := range records {
		payload[i] = r
	}
	return &Frame{
		Header: Header{
			FrameControl:   FrameControl{FrameType: FrameTypeGlobal},
			TransactionSeq: tsn,
			CommandID:      FoundationConfigReporting,
		},
		ClusterID: clusterID,
		Command:   foundationNames[FoundationConfigReporting],
		Payload:   payload,
	}
}

// NewClusterCommand builds a client to server cluster-specific command.
func NewClusterCommand(clusterID uint16, tsn, cmdID uint8, payload ...any) *Frame {
	return &Frame{
		Header: Header{
			FrameControl:   FrameControl{FrameType: FrameTypeSpecific},
			TransactionSeq: tsn,
			CommandID:      cmdID,
		},
		ClusterID: clusterID,
		Payload:   payload,
	}
}
