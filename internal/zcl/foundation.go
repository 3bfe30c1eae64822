package zcl

import (
	"encoding/binary"
	"fmt"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes            uint8 = 0x00
	FoundationReadAttributesResponse    uint8 = 0x01
	FoundationWriteAttributes           uint8 = 0x02
	FoundationWriteAttributesUndivided  uint8 = 0x03
	FoundationWriteAttributesResp       uint8 = 0x04
	FoundationWriteAttributesNoResponse uint8 = 0x05
	FoundationConfigReporting           uint8 = 0x06
	FoundationConfigReportingResp       uint8 = 0x07
	FoundationReadReportingConfig       uint8 = 0x08
	FoundationReadReportingConfigResp   uint8 = 0x09
	FoundationReportAttributes          uint8 = 0x0A
	FoundationDefaultResponse           uint8 = 0x0B
	FoundationDiscoverAttributes        uint8 = 0x0C
	FoundationDiscoverAttributesResp    uint8 = 0x0D
)

var foundationNames = map[uint8]string{
	FoundationReadAttributes:            "read",
	FoundationReadAttributesResponse:    "readRsp",
	FoundationWriteAttributes:           "write",
	FoundationWriteAttributesUndivided:  "writeUndiv",
	FoundationWriteAttributesResp:       "writeRsp",
	FoundationWriteAttributesNoResponse: "writeNoRsp",
	FoundationConfigReporting:           "configReport",
	FoundationConfigReportingResp:       "configReportRsp",
	FoundationReadReportingConfig:       "readReportConfig",
	FoundationReadReportingConfigResp:   "readReportConfigRsp",
	FoundationReportAttributes:          "report",
	FoundationDefaultResponse:           "defaultRsp",
	FoundationDiscoverAttributes:        "discover",
	FoundationDiscoverAttributesResp:    "discoverRsp",
}

// ZCL status codes
const (
	ZCLStatusSuccess         uint8 = 0x00
	ZCLStatusFailure         uint8 = 0x01
	ZCLStatusUnsupportedAttr uint8 = 0x86
	ZCLStatusInvalidValue    uint8 = 0x87
	ZCLStatusReadOnly        uint8 = 0x88
	ZCLStatusNotFound        uint8 = 0x8B
	ZCLStatusUnreportable    uint8 = 0x8C
	ZCLStatusInvalidDataType uint8 = 0x8D
)

type payloadAppender interface {
	appendTo(dst []byte) ([]byte, error)
}

// AttributeRecord is an attribute with its typed value, as carried by
// write attributes commands and attribute reports.
type AttributeRecord struct {
	ID    uint16   `json:"id"`
	Type  DataType `json:"type"`
	Value any      `json:"value"`
}

func (r AttributeRecord) appendTo(dst []byte) ([]byte, error) {
	if r.Type > 0xFF {
		return nil, fmt.Errorf("%w: attribute 0x%04X type %s", ErrInvalidUsage, r.ID, r.Type)
	}
	dst = binary.LittleEndian.AppendUint16(dst, r.ID)
	dst = append(dst, byte(r.Type))
	return appendValue(dst, r.Type, r.Value)
}

// ReadRecord is one entry of a read attributes response. Type and Value
// are only present when Status is success.
type ReadRecord struct {
	ID     uint16   `json:"id"`
	Status uint8    `json:"status"`
	Type   DataType `json:"type,omitempty"`
	Value  any      `json:"value,omitempty"`
}

func (r ReadRecord) appendTo(dst []byte) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint16(dst, r.ID)
	dst = append(dst, r.Status)
	if r.Status != ZCLStatusSuccess {
		return dst, nil
	}
	if r.Type > 0xFF {
		return nil, fmt.Errorf("%w: attribute 0x%04X type %s", ErrInvalidUsage, r.ID, r.Type)
	}
	dst = append(dst, byte(r.Type))
	return appendValue(dst, r.Type, r.Value)
}

// StatusRecord is one entry of a write attributes response. A lone success
// record carries no attribute ID.
type StatusRecord struct {
	Status uint8  `json:"status"`
	ID     uint16 `json:"id,omitempty"`
}

func (r StatusRecord) appendTo(dst []byte) ([]byte, error) {
	dst = append(dst, r.Status)
	if r.Status == ZCLStatusSuccess {
		return dst, nil
	}
	return binary.LittleEndian.AppendUint16(dst, r.ID), nil
}

// ReportingConfig is one record of a configure reporting command for an
// attribute the server reports. Change is only encoded for analog types.
type ReportingConfig struct {
	ID     uint16   `json:"id"`
	Type   DataType `json:"type"`
	Min    uint16   `json:"min"`
	Max    uint16   `json:"max"`
	Change float64  `json:"change,omitempty"`
}

func (r ReportingConfig) appendTo(dst []byte) ([]byte, error) {
	if r.Type > 0xFF {
		return nil, fmt.Errorf("%w: attribute 0x%04X type %s", ErrInvalidUsage, r.ID, r.Type)
	}
	dst = append(dst, reportDirectionSend)
	dst = binary.LittleEndian.AppendUint16(dst, r.ID)
	dst = append(dst, byte(r.Type))
	dst = binary.LittleEndian.AppendUint16(dst, r.Min)
	dst = binary.LittleEndian.AppendUint16(dst, r.Max)
	if !r.Type.Analog() {
		return dst, nil
	}
	return appendValue(dst, r.Type, r.Change)
}

// Configure reporting record directions.
const (
	reportDirectionSend    uint8 = 0x00
	reportDirectionReceive uint8 = 0x01
)

// ReportingStatus is one entry of a configure reporting response. A lone
// success record carries no attribute ID.
type ReportingStatus struct {
	Status    uint8  `json:"status"`
	Direction uint8  `json:"direction,omitempty"`
	ID        uint16 `json:"id,omitempty"`
}

func (r ReportingStatus) appendTo(dst []byte) ([]byte, error) {
	dst = append(dst, r.Status)
	if r.Status == ZCLStatusSuccess && r.ID == 0 && r.Direction == 0 {
		return dst, nil
	}
	dst = append(dst, r.Direction)
	return binary.LittleEndian.AppendUint16(dst, r.ID), nil
}

// DefaultResponse is the payload of the default response command.
type DefaultResponse struct {
	CommandID uint8 `json:"cmdId"`
	Status    uint8 `json:"status"`
}

func (r DefaultResponse) appendTo(dst []byte) ([]byte, error) {
	return append(dst, r.CommandID, r.Status), nil
}

func parseFoundation(cmd uint8, b []byte) ([]any, error) {
	switch cmd {
	case FoundationReadAttributes:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("%w: read attributes payload of %d bytes", ErrMalformedData, len(b))
		}
		ids := make([]uint16, 0, len(b)/2)
		for i := 0; i < len(b); i += 2 {
			ids = append(ids, binary.LittleEndian.Uint16(b[i:]))
		}
		return []any{ids}, nil

	case FoundationReadAttributesResponse:
		var out []any
		for pos := 0; pos < len(b); {
			if len(b)-pos < 3 {
				return nil, fmt.Errorf("%w: truncated read record at %d", ErrMalformedData, pos)
			}
			rec := ReadRecord{ID: binary.LittleEndian.Uint16(b[pos:]), Status: b[pos+2]}
			pos += 3
			if rec.Status == ZCLStatusSuccess {
				t, v, n, err := readTyped(b, pos)
				if err != nil {
					return nil, fmt.Errorf("attribute 0x%04X: %w", rec.ID, err)
				}
				rec.Type, rec.Value = t, v
				pos += n
			}
			out = append(out, rec)
		}
		return out, nil

	case FoundationWriteAttributes, FoundationWriteAttributesUndivided,
		FoundationWriteAttributesNoResponse, FoundationReportAttributes:
		var out []any
		for pos := 0; pos < len(b); {
			if len(b)-pos < 2 {
				return nil, fmt.Errorf("%w: truncated attribute record at %d", ErrMalformedData, pos)
			}
			rec := AttributeRecord{ID: binary.LittleEndian.Uint16(b[pos:])}
			t, v, n, err := readTyped(b, pos+2)
			if err != nil {
				return nil, fmt.Errorf("attribute 0x%04X: %w", rec.ID, err)
			}
			rec.Type, rec.Value = t, v
			pos += 2 + n
			out = append(out, rec)
		}
		return out, nil

	case FoundationWriteAttributesResp:
		var out []any
		for pos := 0; pos < len(b); {
			rec := StatusRecord{Status: b[pos]}
			pos++
			if rec.Status != ZCLStatusSuccess {
				if len(b)-pos < 2 {
					return nil, fmt.Errorf("%w: truncated write status record", ErrMalformedData)
				}
				rec.ID = binary.LittleEndian.Uint16(b[pos:])
				pos += 2
			}
			out = append(out, rec)
		}
		return out, nil

	case FoundationConfigReporting:
		var out []any
		for pos := 0; pos < len(b); {
			if len(b)-pos < 3 {
				return nil, fmt.Errorf("%w: truncated reporting record at %d", ErrMalformedData, pos)
			}
			dir, id := b[pos], binary.LittleEndian.Uint16(b[pos+1:])
			pos += 3
			if dir == reportDirectionReceive {
				// Timeout period records are accepted but not surfaced.
				if len(b)-pos < 2 {
					return nil, fmt.Errorf("%w: truncated timeout record", ErrMalformedData)
				}
				pos += 2
				continue
			}
			if len(b)-pos < 5 {
				return nil, fmt.Errorf("%w: truncated reporting record for 0x%04X", ErrMalformedData, id)
			}
			rec := ReportingConfig{
				ID:   id,
				Type: DataType(b[pos]),
				Min:  binary.LittleEndian.Uint16(b[pos+1:]),
				Max:  binary.LittleEndian.Uint16(b[pos+3:]),
			}
			pos += 5
			if rec.Type.Analog() {
				v, n, err := readValue(rec.Type, b[pos:], true)
				if err != nil {
					return nil, fmt.Errorf("attribute 0x%04X: %w", id, err)
				}
				if f, ok := toFloat64(v); ok {
					rec.Change = f
				}
				pos += n
			}
			out = append(out, rec)
		}
		return out, nil

	case FoundationConfigReportingResp:
		if len(b) == 1 {
			return []any{ReportingStatus{Status: b[0]}}, nil
		}
		var out []any
		for pos := 0; pos < len(b); pos += 4 {
			if len(b)-pos < 4 {
				return nil, fmt.Errorf("%w: truncated reporting status at %d", ErrMalformedData, pos)
			}
			out = append(out, ReportingStatus{
				Status:    b[pos],
				Direction: b[pos+1],
				ID:        binary.LittleEndian.Uint16(b[pos+2:]),
			})
		}
		return out, nil

	case FoundationDefaultResponse:
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: default response of %d bytes", ErrMalformedData, len(b))
		}
		return []any{DefaultResponse{CommandID: b[0], Status: b[1]}}, nil
	}
	return rawPayload(b), nil
}

// readTyped reads a type tag followed by a value of that type.
func readTyped(b []byte, pos int) (DataType, any, int, error) {
	if pos >= len(b) {
		return 0, nil, 0, fmt.Errorf("%w: missing type tag", ErrMalformedData)
	}
	t := DataType(b[pos])
	v, n, err := readValue(t, b[pos+1:], true)
	if err != nil {
		return 0, nil, 0, err
	}
	return t, v, 1 + n, nil
}

func rawPayload(b []byte) []any {
	if len(b) == 0 {
		return nil
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	return []any{raw}
}
