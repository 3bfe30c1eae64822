package deconz

import (
	"bufio"
	"bytes"
	"testing"

	"zigbee-go-deconz/internal/correlate"
)

func TestSLIPRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"simple", []byte{0x01, 0x02, 0x03}},
		{"with end byte", []byte{0xC0, 0x01}},
		{"with escape byte", []byte{0xDB, 0x02}},
		{"mixed special", []byte{0x00, 0xC0, 0xDB, 0xDC, 0xDD, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := slipEncode(tt.data)
			if encoded[0] != slipEnd || encoded[len(encoded)-1] != slipEnd {
				t.Errorf("missing END bytes: %X", encoded)
			}
			if bytes.Contains(encoded[1:len(encoded)-1], []byte{slipEnd}) {
				t.Errorf("unescaped END inside frame: %X", encoded)
			}
			decoded, err := readSLIPFrame(bufio.NewReader(bytes.NewReader(encoded)))
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if !bytes.Equal(decoded, tt.data) {
				t.Errorf("round trip failed: got %X, want %X", decoded, tt.data)
			}
		})
	}
}

func TestSLIPSkipsEmptyFrames(t *testing.T) {
	stream := append([]byte{slipEnd, slipEnd, slipEnd}, slipEncode([]byte{0x0A})...)
	stream = append(stream, slipEncode([]byte{0x0B})...)
	r := bufio.NewReader(bytes.NewReader(stream))

	for _, want := range []byte{0x0A, 0x0B} {
		got, err := readSLIPFrame(r)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, []byte{want}) {
			t.Errorf("got %X, want %X", got, want)
		}
	}
}

func TestSLIPBadEscape(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{slipEnd, 0x01, slipEsc, 0x02, slipEnd}))
	if _, err := readSLIPFrame(r); err == nil {
		t.Error("expected bad escape error")
	}
}

func TestEncodeFrame(t *testing.T) {
	got := encodeFrame(frame{Command: cmdVersion, Seq: 1, Payload: []byte{0, 0, 0, 0}})
	want := []byte{0x0D, 0x01, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x00, 0xE9, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("got % X, want % X", got, want)
	}

	f, err := decodeFrame(got)
	if err != nil {
		t.Fatal(err)
	}
	if f.Command != cmdVersion || f.Seq != 1 || !bytes.Equal(f.Payload, []byte{0, 0, 0, 0}) {
		t.Errorf("decoded %+v", f)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	good := encodeFrame(frame{Command: cmdDeviceState, Seq: 9, Payload: []byte{0x22, 0, 0}})

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-1] ^= 0xFF

	badLen := append([]byte(nil), good[:len(good)-2]...)
	badLen[3] = 0x20
	badLen = append(badLen, 0, 0)
	crc := checksum(badLen[:len(badLen)-2])
	badLen[len(badLen)-2], badLen[len(badLen)-1] = byte(crc), byte(crc>>8)

	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:4]},
		{"bad checksum", badCRC},
		{"bad length", badLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeFrame(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAPSRequestPayload(t *testing.T) {
	tests := []struct {
		name string
		req  APSRequest
		want []byte
	}{
		{
			name: "nwk",
			req: APSRequest{
				RequestID: 7, DstAddrMode: correlate.AddrModeNWK, DstAddr16: 0x1234, DstEndpoint: 0,
				ProfileID: 0, ClusterID: 0x0005, SrcEndpoint: 0, ASDU: []byte{7, 0x34, 0x12}, Radius: DefaultRadius,
			},
			want: []byte{0x12, 0x00, 7, 0x00, 0x02, 0x34, 0x12, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00,
				0x03, 0x00, 7, 0x34, 0x12, 0x00, 30},
		},
		{
			name: "group",
			req: APSRequest{
				RequestID: 8, DstAddrMode: correlate.AddrModeGroup, DstAddr16: 0x0007,
				ProfileID: 0x0104, ClusterID: 0x0006, SrcEndpoint: 1, ASDU: []byte{0x01, 0x08, 0x02}, Radius: UnlimitedRadius,
			},
			want: []byte{0x11, 0x00, 8, 0x00, 0x01, 0x07, 0x00, 0x04, 0x01, 0x06, 0x00, 0x01,
				0x03, 0x00, 0x01, 0x08, 0x02, 0x00, 0x00},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.payload()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}

	if _, err := (APSRequest{DstAddrMode: 0x09}).payload(); err == nil {
		t.Error("expected error for unknown address mode")
	}
}

// indicationPayload builds an APS_DATA_INDICATION response payload with
// short source and destination addresses.
func indicationPayload(state uint8, src uint16, srcEP uint8, profile, cluster uint16, asdu []byte, trailer bool) []byte {
	b := []byte{state, correlate.AddrModeNWK, 0x00, 0x00, 0x01, correlate.AddrModeNWK, byte(src), byte(src >> 8), srcEP,
		byte(profile), byte(profile >> 8), byte(cluster), byte(cluster >> 8), byte(len(asdu)), 0x00}
	b = append(b, asdu...)
	if trailer {
		b = append(b, 0xAF, 0xFE, 0xC8, 0x00, 0x00, 0x00, 0x00, 0xD8)
	}
	return withLength(b...)
}

func TestParseIndication(t *testing.T) {
	asdu := []byte{0x18, 0x01, 0x0A, 0x00, 0x00, 0x10, 0x01}

	ind, state, err := parseIndication(indicationPayload(0x2A, 0x1234, 1, 0x0104, 0x0006, asdu, true))
	if err != nil {
		t.Fatal(err)
	}
	if state != 0x2A {
		t.Errorf("state = 0x%02X", state)
	}
	if src, ok := ind.ShortSource(); !ok || src != 0x1234 {
		t.Errorf("source = 0x%04X %v", src, ok)
	}
	if ind.SrcEndpoint != 1 || ind.DstEndpoint != 1 || ind.ProfileID != 0x0104 || ind.ClusterID != 0x0006 {
		t.Errorf("indication = %+v", ind)
	}
	if !bytes.Equal(ind.ASDU, asdu) {
		t.Errorf("asdu = % X", ind.ASDU)
	}
	if ind.LinkQuality != 0xC8 || ind.RSSI != -40 {
		t.Errorf("lqi/rssi = %d/%d", ind.LinkQuality, ind.RSSI)
	}

	ind, _, err = parseIndication(indicationPayload(0x22, 0x1234, 1, 0x0104, 0x0006, asdu, false))
	if err != nil {
		t.Fatal(err)
	}
	if ind.LinkQuality != 0 || ind.RSSI != 0 {
		t.Errorf("lqi/rssi without trailer = %d/%d", ind.LinkQuality, ind.RSSI)
	}

	full := indicationPayload(0x22, 0x1234, 1, 0x0104, 0x0006, asdu, false)
	if _, _, err := parseIndication(full[:len(full)-2]); err == nil {
		t.Error("expected truncated asdu error")
	}
}

func TestParseIndicationIEEESource(t *testing.T) {
	b := []byte{0x22, correlate.AddrModeNWK, 0x00, 0x00, 0x01, correlate.AddrModeNWKIEEE,
		0x34, 0x12, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, 0x01,
		0x00, 0x00, 0x13, 0x00, 0x01, 0x00, 0xAA}
	ind, _, err := parseIndication(withLength(b...))
	if err != nil {
		t.Fatal(err)
	}
	if ind.SrcAddr16 != 0x1234 || ind.SrcAddr64 != 0x0102030405060708 {
		t.Errorf("source = 0x%04X / 0x%016x", ind.SrcAddr16, ind.SrcAddr64)
	}
	if ind.ClusterID != 0x0013 || !bytes.Equal(ind.ASDU, []byte{0xAA}) {
		t.Errorf("indication = %+v", ind)
	}
}

func TestParseConfirm(t *testing.T) {
	p := withLength(0x26, 0x05, correlate.AddrModeNWK, 0x34, 0x12, 0x01, 0x01, 0xE1, 0, 0, 0, 0)
	c, state, err := parseConfirm(p)
	if err != nil {
		t.Fatal(err)
	}
	if state != 0x26 || c.RequestID != 5 || c.DstAddr16 != 0x1234 || c.Status != 0xE1 {
		t.Errorf("confirm = %+v state 0x%02X", c, state)
	}

	g := withLength(0x22, 0x06, correlate.AddrModeGroup, 0x07, 0x00, 0x01, 0x00)
	c, _, err = parseConfirm(g)
	if err != nil {
		t.Fatal(err)
	}
	if c.RequestID != 6 || c.DstAddr16 != 0x0007 || c.Status != 0 {
		t.Errorf("group confirm = %+v", c)
	}
}

func TestVersionFromFirmware(t *testing.T) {
	tests := []struct {
		fw    uint32
		typ   string
		major uint8
		minor uint8
		rev   string
	}{
		{0x26580700, "ConBee2", 0x26, 0x58, "0x26580700"},
		{0x26400500, "RaspBee", 0x26, 0x40, "0x26400500"},
	}
	for _, tt := range tests {
		t.Run(tt.rev, func(t *testing.T) {
			v := versionFromFirmware(tt.fw)
			if v.Type != tt.typ || v.Major != tt.major || v.Minor != tt.minor || v.Revision != tt.rev {
				t.Errorf("got %+v", v)
			}
		})
	}
}
