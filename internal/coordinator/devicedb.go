package coordinator

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"zigbee-go-deconz/internal/zcl"
)

// ManufacturerGroup groups device models under one manufacturer name.
type ManufacturerGroup struct {
	Name   string             `yaml:"name"`
	Models []DeviceDefinition `yaml:"models"`
}

// DeviceDefinition describes how to configure a specific device model.
type DeviceDefinition struct {
	Manufacturer string           `yaml:"manufacturer"`
	Model        string           `yaml:"model"`
	FriendlyName string           `yaml:"friendly_name,omitempty"`
	Bind         []uint16         `yaml:"bind"`
	Reporting    []ReportingEntry `yaml:"reporting"`
}

// ReportingEntry asks the device to report one attribute between Min and
// Max seconds. Change is the reportable change for analog types.
type ReportingEntry struct {
	Cluster   uint16       `yaml:"cluster"`
	Attribute uint16       `yaml:"attribute"`
	Type      zcl.DataType `yaml:"type"`
	Min       uint16       `yaml:"min"`
	Max       uint16       `yaml:"max"`
	Change    float64      `yaml:"change"`
}

// reportingByCluster groups entries into configure reporting records per
// cluster, keeping the order clusters first appear in.
func reportingByCluster(entries []ReportingEntry) ([]uint16, map[uint16][]zcl.ReportingConfig) {
	var order []uint16
	byCluster := make(map[uint16][]zcl.ReportingConfig)
	for _, e := range entries {
		if _, ok := byCluster[e.Cluster]; !ok {
			order = append(order, e.Cluster)
		}
		byCluster[e.Cluster] = append(byCluster[e.Cluster], zcl.ReportingConfig{
			ID:     e.Attribute,
			Type:   e.Type,
			Min:    e.Min,
			Max:    e.Max,
			Change: e.Change,
		})
	}
	return order, byCluster
}

// DeviceDB holds device definitions keyed by manufacturer+model.
type DeviceDB struct {
	defs map[string]*DeviceDefinition
}

func deviceKey(manufacturer, model string) string {
	return manufacturer + "\x00" + model
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[string]*DeviceDefinition)}
}

// Add inserts a device definition into the database.
func (db *DeviceDB) Add(def DeviceDefinition) {
	cp := def
	db.defs[deviceKey(def.Manufacturer, def.Model)] = &cp
}

// Lookup finds a device definition by manufacturer and model.
func (db *DeviceDB) Lookup(manufacturer, model string) *DeviceDefinition {
	return db.defs[deviceKey(manufacturer, model)]
}

// Len returns the number of device definitions.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// deviceFile is the YAML structure for files in the devices directory.
// Clusters use the same layout as the built-in cluster catalog.
type deviceFile struct {
	Clusters      yaml.Node           `yaml:"clusters"`
	Devices       []DeviceDefinition  `yaml:"devices"`
	Manufacturers []ManufacturerGroup `yaml:"manufacturers"`
}

// LoadDeviceDir reads all *.yaml files from a directory, registering custom
// clusters into the ZCL registry and loading device definitions into a DeviceDB.
// Returns an empty DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, registry *zcl.Registry, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		clusters := len(df.Clusters.Content)
		if clusters > 0 {
			raw, err := yaml.Marshal(&df.Clusters)
			if err != nil {
				return db, fmt.Errorf("parse %s: %w", path, err)
			}
			if err := zcl.LoadCatalog(registry, raw); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
		}
		for _, d := range df.Devices {
			db.Add(d)
		}
		deviceCount := len(df.Devices)
		for _, mg := range df.Manufacturers {
			for _, d := range mg.Models {
				d.Manufacturer = mg.Name
				db.Add(d)
			}
			deviceCount += len(mg.Models)
		}

		logger.Info("loaded device file", "path", filepath.Base(path),
			"clusters", clusters, "devices", deviceCount)
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
