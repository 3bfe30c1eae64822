package correlate

import "sync/atomic"

// TransactionIDs issues 8-bit transaction sequence numbers 1..255, wrapping
// back to 1. Zero is never issued. The zero value is ready to use.
type TransactionIDs struct {
	last atomic.Uint32
}

// Next returns the next transaction ID.
func (t *TransactionIDs) Next() uint8 {
	for {
		old := t.last.Load()
		next := old%255 + 1
		if t.last.CompareAndSwap(old, next) {
			return uint8(next)
		}
	}
}
