package deconz

import (
	"bufio"
	"fmt"
)

// SLIP framing (RFC 1055) as used by the deCONZ serial protocol.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

// maxFrameSize bounds a deframed packet; deCONZ frames are far smaller.
const maxFrameSize = 1024

// slipEncode wraps data in END bytes, escaping END and ESC.
func slipEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, slipEnd)
	for _, b := range data {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// readSLIPFrame reads bytes up to the next END and returns the unescaped
// packet. Empty packets between consecutive END bytes are skipped.
func readSLIPFrame(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	escaped := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch {
		case b == slipEnd:
			if len(buf) == 0 {
				escaped = false
				continue
			}
			if escaped {
				return nil, fmt.Errorf("deconz slip: frame ends in escape")
			}
			return buf, nil
		case escaped:
			escaped = false
			switch b {
			case slipEscEnd:
				buf = append(buf, slipEnd)
			case slipEscEsc:
				buf = append(buf, slipEsc)
			default:
				return nil, fmt.Errorf("deconz slip: bad escape 0x%02X", b)
			}
		case b == slipEsc:
			escaped = true
		default:
			buf = append(buf, b)
		}
		if len(buf) > maxFrameSize {
			return nil, fmt.Errorf("deconz slip: frame exceeds %d bytes", maxFrameSize)
		}
	}
}
