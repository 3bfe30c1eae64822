package zcl

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds all known ZCL cluster definitions.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition to the registry. A definition for an
// already known cluster is merged into the existing one.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
	} else {
		r.clusters[c.ID] = c.DeepCopy()
		r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
	}
}

// Get returns a cluster definition by ID, or nil if not found.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// Command looks up a cluster-specific command without copying the cluster.
func (r *Registry) Command(clusterID uint16, id uint8, dir Direction) (CommandDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[clusterID]
	if c == nil {
		return CommandDef{}, false
	}
	if cmd := c.FindCommand(id, dir); cmd != nil {
		return *cmd, true
	}
	return CommandDef{}, false
}

// ClusterName returns the cluster's name, or its hex ID when unknown.
func (r *Registry) ClusterName(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.clusters[id]; c != nil {
		return c.Name
	}
	return fmt.Sprintf("0x%04X", id)
}

// AttributeName returns the attribute's name, or its hex ID when unknown.
func (r *Registry) AttributeName(clusterID, attrID uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.clusters[clusterID]; c != nil {
		if a := c.FindAttribute(attrID); a != nil {
			return a.Name
		}
	}
	return fmt.Sprintf("0x%04X", attrID)
}

// All returns all registered cluster definitions.
// Each entry is a deep copy; callers may modify them safely.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	return result
}
