package coordinator

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"zigbee-go-deconz/internal/store"
)

func newTestDM(t *testing.T) (*DeviceManager, *store.BoltStore) {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	coord := New(newFakeAdapter(), st, nil, nil, SerialConfig{}, newTestLogger())
	return coord.devices, st
}

func TestAddrIndexUpdateAndLookup(t *testing.T) {
	dm, _ := newTestDM(t)

	dm.updateAddrIndex("0x00158d00012a3b4c", 0x1234)
	if got := dm.lookupIEEE(0x1234); got != "0x00158d00012a3b4c" {
		t.Errorf("lookupIEEE(0x1234) = %q", got)
	}

	// A rejoin moves the device to its new address.
	dm.updateAddrIndex("0x00158d00012a3b4c", 0x5678)
	if got := dm.lookupIEEE(0x1234); got != "" {
		t.Errorf("stale address still indexed: %q", got)
	}
	if got := dm.lookupIEEE(0x5678); got != "0x00158d00012a3b4c" {
		t.Errorf("lookupIEEE(0x5678) = %q", got)
	}

	if ieee := dm.lookupIEEE(0xFFFF); ieee != "" {
		t.Errorf("lookupIEEE(0xFFFF) = %q, want empty", ieee)
	}
}

func TestAddrIndexRemove(t *testing.T) {
	dm, _ := newTestDM(t)

	dm.updateAddrIndex("0x00158d00012a3b4c", 0x1234)
	dm.removeFromAddrIndex("0x00158d00012a3b4c")

	if ieee := dm.lookupIEEE(0x1234); ieee != "" {
		t.Errorf("after remove, lookupIEEE(0x1234) = %q, want empty", ieee)
	}
}

func TestAddrIndexRebuild(t *testing.T) {
	dm, st := newTestDM(t)

	for _, d := range []*store.Device{
		{IEEEAddress: "0xaaaaaaaaaaaaaaaa", NetworkAddress: 0x0001},
		{IEEEAddress: "0xbbbbbbbbbbbbbbbb", NetworkAddress: 0x0002},
	} {
		if err := st.SaveDevice(d); err != nil {
			t.Fatal(err)
		}
	}

	dm.RebuildAddrIndex()

	if ieee := dm.lookupIEEE(0x0001); ieee != "0xaaaaaaaaaaaaaaaa" {
		t.Errorf("after rebuild, 0x0001 = %q", ieee)
	}
	if ieee := dm.lookupIEEE(0x0002); ieee != "0xbbbbbbbbbbbbbbbb" {
		t.Errorf("after rebuild, 0x0002 = %q", ieee)
	}

	dev, err := dm.GetDeviceByAddress(0x0002)
	if err != nil || dev.IEEEAddress != "0xbbbbbbbbbbbbbbbb" {
		t.Errorf("GetDeviceByAddress(0x0002) = %+v, %v", dev, err)
	}
	if _, err := dm.GetDeviceByAddress(0x0003); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetDeviceByAddress(0x0003) err = %v, want ErrNotFound", err)
	}
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{"nil", nil, ""},
		{"friendly", &store.Device{FriendlyName: "Hall", Model: "m"}, "Hall"},
		{"manufacturer and model", &store.Device{Manufacturer: "LUMI", Model: "lumi.plug"}, "LUMI lumi.plug"},
		{"model only", &store.Device{Model: "lumi.plug"}, "lumi.plug"},
		{"unknown", &store.Device{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceName(tt.dev); got != tt.want {
				t.Errorf("deviceName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartInterviewDebounce(t *testing.T) {
	dm, _ := newTestDM(t)

	ieee := "0x00158d00012a3b4c"
	dm.lastJoinMu.Lock()
	dm.lastJoin[ieee] = time.Now()
	dm.lastJoinMu.Unlock()

	// Within the window no interview goroutine is started.
	dm.startInterview(ieee)
	dm.interviewMu.Lock()
	n := len(dm.interviewCancels)
	dm.interviewMu.Unlock()
	if n != 0 {
		t.Errorf("interviews = %d, want 0", n)
	}
	dm.CancelAllInterviews()
}

func TestLastJoinCleanup(t *testing.T) {
	dm, _ := newTestDM(t)
	dm.coord.cancel()

	dm.lastJoinMu.Lock()
	for i := 0; i < 60; i++ {
		dm.lastJoin[fmt.Sprintf("0x%016x", i)] = time.Now().Add(-2 * time.Minute)
	}
	dm.lastJoinMu.Unlock()

	// A fresh announce evicts the stale entries; the cancelled context
	// keeps the interview from starting.
	dm.startInterview("0xffffffffffffffff")

	dm.lastJoinMu.Lock()
	count := len(dm.lastJoin)
	dm.lastJoinMu.Unlock()
	if count != 1 {
		t.Errorf("after cleanup, lastJoin count = %d, want 1", count)
	}
}
