package event

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"zigbee-go-deconz/internal/zcl"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusEmitOn(t *testing.T) {
	b := NewBus(newTestLogger())
	var received Event

	b.On(KindDeviceJoined, func(e Event) {
		received = e
	})

	b.Emit(DeviceJoined{NetworkAddress: 0x1234, IEEEAddress: "0x00124b0000000001"})

	joined, ok := received.(DeviceJoined)
	if !ok {
		t.Fatalf("received %T, want DeviceJoined", received)
	}
	if joined.NetworkAddress != 0x1234 {
		t.Errorf("nwk = 0x%04X, want 0x1234", joined.NetworkAddress)
	}
}

func TestBusOnDoesNotReceiveOtherKinds(t *testing.T) {
	b := NewBus(newTestLogger())
	called := false

	b.On(KindDeviceJoined, func(e Event) {
		called = true
	})

	b.Emit(DeviceAnnounce{NetworkAddress: 1})

	if called {
		t.Error("handler called for wrong event kind")
	}
}

func TestBusSubscribe(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32

	b.Subscribe(func(e Event) {
		count.Add(1)
	})

	b.Emit(DeviceJoined{})
	b.Emit(DeviceLeave{})
	b.Emit(RawData{})

	if count.Load() != 3 {
		t.Errorf("subscriber called %d times, want 3", count.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32

	unsub := b.On(KindDeviceJoined, func(e Event) {
		count.Add(1)
	})
	unsubAll := b.Subscribe(func(e Event) {
		count.Add(1)
	})

	b.Emit(DeviceJoined{})
	if count.Load() != 2 {
		t.Fatalf("expected 2 calls before unsub, got %d", count.Load())
	}

	unsub()
	unsubAll()
	b.Emit(DeviceJoined{})
	if count.Load() != 2 {
		t.Errorf("expected 2 calls after unsub, got %d", count.Load())
	}
}

func TestBusPanicRecovery(t *testing.T) {
	b := NewBus(newTestLogger())
	var called atomic.Int32

	b.On(KindZCLData, func(e Event) {
		called.Add(1)
		panic("test panic")
	})
	b.On(KindZCLData, func(e Event) {
		called.Add(1)
	})

	b.Emit(ZCLData{})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestBusConcurrentEmit(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32

	b.Subscribe(func(e Event) {
		count.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(RawData{})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}

func TestBusReentrantSubscribe(t *testing.T) {
	b := NewBus(newTestLogger())
	var inner atomic.Int32

	b.On(KindDeviceJoined, func(e Event) {
		b.On(KindDeviceLeave, func(Event) { inner.Add(1) })
	})
	b.Emit(DeviceJoined{})
	b.Emit(DeviceLeave{})

	if inner.Load() != 1 {
		t.Errorf("inner handler called %d times, want 1", inner.Load())
	}
}

func TestMarshal(t *testing.T) {
	data, err := Marshal(ZCLData{
		Address:  0x1234,
		Endpoint: 1,
		Frame:    zcl.NewReadAttributes(0x0006, 1, 0x0000),
	})
	if err != nil {
		t.Fatal(err)
	}

	var out struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != "zcl_data" {
		t.Errorf("type = %q", out.Type)
	}
	if out.Data["address"] != float64(0x1234) {
		t.Errorf("address = %v", out.Data["address"])
	}
	if _, ok := out.Data["frame"].(map[string]any); !ok {
		t.Errorf("frame = %v", out.Data["frame"])
	}
}
