package coordinator

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"zigbee-go-deconz/internal/zcl"
)

func TestDeviceDBAddLookup(t *testing.T) {
	db := NewDeviceDB()

	db.Add(DeviceDefinition{
		Manufacturer: "IKEA of Sweden",
		Model:        "TRADFRI on/off switch",
		FriendlyName: "IKEA Switch",
		Bind:         []uint16{6, 8},
	})

	if db.Len() != 1 {
		t.Fatalf("len = %d, want 1", db.Len())
	}

	def := db.Lookup("IKEA of Sweden", "TRADFRI on/off switch")
	if def == nil {
		t.Fatal("lookup returned nil")
	}
	if def.FriendlyName != "IKEA Switch" {
		t.Errorf("friendly_name = %q, want %q", def.FriendlyName, "IKEA Switch")
	}
	if len(def.Bind) != 2 {
		t.Errorf("bind = %v, want [6 8]", def.Bind)
	}

	if db.Lookup("IKEA of Sweden", "unknown") != nil {
		t.Error("expected nil for unknown model")
	}
}

func TestLoadDeviceDir(t *testing.T) {
	logger := newTestLogger()
	registry, err := zcl.NewDefaultRegistry(logger)
	if err != nil {
		t.Fatal(err)
	}
	onoffAttrs := len(registry.Get(0x0006).Attributes)

	dir := t.TempDir()
	err = os.WriteFile(filepath.Join(dir, "test.yaml"), []byte(`
clusters:
  - id: 0xEF00
    name: "Tuya Private"
    attributes:
      - {id: 0x0000, name: "TuyaCmd", type: octetStr, access: [read, write]}
  - id: 0x0006
    name: "On/Off"
    attributes:
      - {id: 0x7003, name: "VendorStartup", type: enum8, access: [read, write]}
devices:
  - manufacturer: LUMI
    model: lumi.sensor_ht
    friendly_name: Aqara Temp
    bind: []
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	err = os.WriteFile(filepath.Join(dir, "ikea.yaml"), []byte(`
manufacturers:
  - name: IKEA of Sweden
    models:
      - model: TRADFRI on/off switch
        friendly_name: IKEA Switch
        bind: [6, 8]
        reporting:
          - {cluster: 0x0001, attribute: 0x0021, type: uint8, min: 3600, max: 62000}
          - {cluster: 0x0402, attribute: 0x0000, type: int16, min: 10, max: 300, change: 20}
`), 0644)
	if err != nil {
		t.Fatal(err)
	}

	db, err := LoadDeviceDir(dir, registry, logger)
	if err != nil {
		t.Fatal(err)
	}

	tuya := registry.Get(0xEF00)
	if tuya == nil {
		t.Fatal("Tuya cluster not found in registry")
	}
	if tuya.Name != "Tuya Private" {
		t.Errorf("Tuya name = %q", tuya.Name)
	}
	if got := len(registry.Get(0x0006).Attributes); got != onoffAttrs+1 {
		t.Errorf("On/Off attrs = %d, want %d", got, onoffAttrs+1)
	}

	if db.Len() != 2 {
		t.Fatalf("device count = %d, want 2", db.Len())
	}
	if lumi := db.Lookup("LUMI", "lumi.sensor_ht"); lumi == nil || lumi.FriendlyName != "Aqara Temp" {
		t.Errorf("lumi = %+v", lumi)
	}
	ikea := db.Lookup("IKEA of Sweden", "TRADFRI on/off switch")
	if ikea == nil {
		t.Fatal("IKEA device not found")
	}
	if len(ikea.Bind) != 2 || ikea.Bind[0] != 6 {
		t.Errorf("IKEA bind = %v, want [6 8]", ikea.Bind)
	}
	wantReporting := []ReportingEntry{
		{Cluster: 0x0001, Attribute: 0x0021, Type: zcl.TypeUint8, Min: 3600, Max: 62000},
		{Cluster: 0x0402, Attribute: 0x0000, Type: zcl.TypeInt16, Min: 10, Max: 300, Change: 20},
	}
	if !reflect.DeepEqual(ikea.Reporting, wantReporting) {
		t.Errorf("IKEA reporting = %+v, want %+v", ikea.Reporting, wantReporting)
	}
}

func TestReportingByCluster(t *testing.T) {
	order, records := reportingByCluster([]ReportingEntry{
		{Cluster: 0x0402, Attribute: 0x0000, Type: zcl.TypeInt16, Min: 10, Max: 300, Change: 20},
		{Cluster: 0x0001, Attribute: 0x0021, Type: zcl.TypeUint8, Max: 600},
		{Cluster: 0x0402, Attribute: 0x0001, Type: zcl.TypeInt16, Max: 600},
	})
	if !reflect.DeepEqual(order, []uint16{0x0402, 0x0001}) {
		t.Errorf("order = %v", order)
	}
	if len(records[0x0402]) != 2 || records[0x0402][1].ID != 0x0001 {
		t.Errorf("0x0402 records = %+v", records[0x0402])
	}
	if len(records[0x0001]) != 1 || records[0x0001][0].Max != 600 {
		t.Errorf("0x0001 records = %+v", records[0x0001])
	}
}

func TestLoadDeviceDirBadCluster(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`
clusters:
  - id: 0xFC00
    name: "Bad"
    attributes:
      - {id: 0x0000, name: "X", type: uint8, access: [execute]}
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDeviceDir(dir, registry, logger); err == nil {
		t.Error("expected error for unknown access flag")
	}
}

func TestLoadDeviceDirMissing(t *testing.T) {
	logger := newTestLogger()
	registry := zcl.NewRegistry(logger)

	db, err := LoadDeviceDir("/nonexistent/dir", registry, logger)
	if err != nil {
		t.Fatal(err)
	}
	if db.Len() != 0 {
		t.Errorf("len = %d, want 0", db.Len())
	}
}
