package zcl

import (
	_ "embed"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

type catalogAttribute struct {
	ID     uint16   `yaml:"id"`
	Name   string   `yaml:"name"`
	Type   DataType `yaml:"type"`
	Access []string `yaml:"access"`
}

type catalogCluster struct {
	ID         uint16             `yaml:"id"`
	Name       string             `yaml:"name"`
	Attributes []catalogAttribute `yaml:"attributes"`
	Commands   []CommandDef       `yaml:"commands"`
}

var accessFlags = map[string]uint8{
	"read":   AccessRead,
	"write":  AccessWrite,
	"report": AccessReport,
}

// LoadCatalog parses a YAML cluster catalog and registers every cluster in r.
func LoadCatalog(r *Registry, data []byte) error {
	var defs []catalogCluster
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("zcl: parse catalog: %w", err)
	}
	for _, d := range defs {
		c := ClusterDef{ID: d.ID, Name: d.Name, Commands: d.Commands}
		for _, a := range d.Attributes {
			if !a.Type.Known() {
				return fmt.Errorf("zcl: cluster 0x%04X attribute 0x%04X: unknown type %s", d.ID, a.ID, a.Type)
			}
			def := AttributeDef{ID: a.ID, Name: a.Name, Type: a.Type}
			for _, acc := range a.Access {
				flag, ok := accessFlags[acc]
				if !ok {
					return fmt.Errorf("zcl: cluster 0x%04X attribute 0x%04X: unknown access %q", d.ID, a.ID, acc)
				}
				def.Access |= flag
			}
			c.Attributes = append(c.Attributes, def)
		}
		r.Register(c)
	}
	return nil
}

// NewDefaultRegistry returns a registry populated with the built-in
// cluster catalog.
func NewDefaultRegistry(logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	if err := LoadCatalog(r, catalogYAML); err != nil {
		return nil, err
	}
	return r, nil
}
