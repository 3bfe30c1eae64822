package zdo

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-go-deconz/internal/zcl"
)

// Record sizes of management table entries.
const (
	NeighborRecordSize = 22
	RouteRecordSize    = 5
)

// ErrRemoteTable reports a management table response with a non-success
// status.
var ErrRemoteTable = errors.New("zdo: remote table error")

// TableError carries the failing table response cluster, status and page.
type TableError struct {
	Cluster    uint16
	Status     uint8
	StartIndex uint8
}

func (e *TableError) Error() string {
	return fmt.Sprintf("zdo: table 0x%04X at %d: status 0x%02X", e.Cluster, e.StartIndex, e.Status)
}

func (e *TableError) Is(target error) bool { return target == ErrRemoteTable }

// TablePage is one page of a management table response.
type TablePage struct {
	Status       uint8
	TotalEntries uint8
	StartIndex   uint8
	Records      [][]byte
}

// ParseTablePage splits a management table response into fixed-size records.
// A non-success status returns the page with no records and no error.
func ParseTablePage(asdu []byte, recordSize int) (TablePage, error) {
	if len(asdu) < 2 {
		return TablePage{}, fmt.Errorf("%w: table response of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	p := TablePage{Status: asdu[1]}
	if p.Status != 0 {
		return p, nil
	}
	if len(asdu) < 5 {
		return TablePage{}, fmt.Errorf("%w: table response of %d bytes", zcl.ErrMalformedData, len(asdu))
	}
	p.TotalEntries, p.StartIndex = asdu[2], asdu[3]
	count := int(asdu[4])
	if len(asdu) < 5+count*recordSize {
		return TablePage{}, fmt.Errorf("%w: %d records of %d bytes in %d bytes",
			zcl.ErrMalformedData, count, recordSize, len(asdu)-5)
	}
	p.Records = make([][]byte, count)
	for i := range p.Records {
		off := 5 + i*recordSize
		rec := make([]byte, recordSize)
		copy(rec, asdu[off:off+recordSize])
		p.Records[i] = rec
	}
	return p, nil
}

// TableFetcher retrieves a management table page by page. Request sends the
// page request starting at startIndex and returns the response payload.
type TableFetcher struct {
	Cluster    uint16
	RecordSize int
	Request    func(ctx context.Context, startIndex uint8) ([]byte, error)
}

// Fetch requests pages until the accumulated record count equals the total
// reported by the device. Any failure discards the records gathered so far.
func (f TableFetcher) Fetch(ctx context.Context) ([][]byte, error) {
	var records [][]byte
	var start int
	for {
		asdu, err := f.Request(ctx, uint8(start))
		if err != nil {
			return nil, err
		}
		page, err := ParseTablePage(asdu, f.RecordSize)
		if err != nil {
			return nil, err
		}
		if page.Status != 0 {
			return nil, &TableError{Cluster: f.Cluster, Status: page.Status, StartIndex: uint8(start)}
		}
		total, count := int(page.TotalEntries), len(page.Records)
		if count > total-start {
			return nil, fmt.Errorf("%w: table 0x%04X page at %d has %d of %d entries",
				zcl.ErrMalformedData, f.Cluster, start, count, total)
		}
		records = append(records, page.Records...)
		start += count
		if start >= total {
			return records, nil
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: table 0x%04X empty page at %d of %d",
				zcl.ErrMalformedData, f.Cluster, start, total)
		}
	}
}

// Neighbor is one entry of a neighbor (LQI) table.
type Neighbor struct {
	ExtendedPANID  string `json:"extendedPanId"`
	IEEEAddress    string `json:"ieeeAddr"`
	NetworkAddress uint16 `json:"networkAddress"`
	Relationship   uint8  `json:"relationship"`
	Depth          uint8  `json:"depth"`
	LinkQuality    uint8  `json:"linkquality"`
}

// DecodeNeighbor decodes a 22-byte neighbor table record.
func DecodeNeighbor(rec []byte) (Neighbor, error) {
	if len(rec) < NeighborRecordSize {
		return Neighbor{}, fmt.Errorf("%w: neighbor record of %d bytes", zcl.ErrMalformedData, len(rec))
	}
	return Neighbor{
		ExtendedPANID:  FormatIEEE(rec[0:8]),
		IEEEAddress:    FormatIEEE(rec[8:16]),
		NetworkAddress: binary.LittleEndian.Uint16(rec[16:]),
		Relationship:   (rec[18] >> 1) & 0x07,
		Depth:          rec[20],
		LinkQuality:    rec[21],
	}, nil
}

// Route status names.
const (
	RouteActive            = "ACTIVE"
	RouteDiscoveryUnderway = "DISCOVERY_UNDERWAY"
	RouteDiscoveryFailed   = "DISCOVERY_FAILED"
	RouteInactive          = "INACTIVE"
	RouteUnknown           = "UNKNOWN"
)

var routeStatus = [...]string{RouteActive, RouteDiscoveryUnderway, RouteDiscoveryFailed, RouteInactive}

// Route is one entry of a routing table.
type Route struct {
	Destination uint16 `json:"destinationAddress"`
	Status      string `json:"status"`
	NextHop     uint16 `json:"nextHop"`
}

// DecodeRoute decodes a 5-byte routing table record.
func DecodeRoute(rec []byte) (Route, error) {
	if len(rec) < RouteRecordSize {
		return Route{}, fmt.Errorf("%w: route record of %d bytes", zcl.ErrMalformedData, len(rec))
	}
	r := Route{
		Destination: binary.LittleEndian.Uint16(rec[0:]),
		Status:      RouteUnknown,
		NextHop:     binary.LittleEndian.Uint16(rec[3:]),
	}
	if s := int(rec[2]>>5) & 0x07; s < len(routeStatus) {
		r.Status = routeStatus[s]
	}
	return r, nil
}

// Neighbors fetches and decodes a full neighbor table.
func Neighbors(ctx context.Context, request func(context.Context, uint8) ([]byte, error)) ([]Neighbor, error) {
	recs, err := TableFetcher{Cluster: MgmtLQIResponse, RecordSize: NeighborRecordSize, Request: request}.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(recs))
	for _, rec := range recs {
		n, err := DecodeNeighbor(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Routes fetches and decodes a full routing table.
func Routes(ctx context.Context, request func(context.Context, uint8) ([]byte, error)) ([]Route, error) {
	recs, err := TableFetcher{Cluster: MgmtRoutingResponse, RecordSize: RouteRecordSize, Request: request}.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Route, 0, len(recs))
	for _, rec := range recs {
		r, err := DecodeRoute(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
