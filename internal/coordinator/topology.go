package coordinator

import (
	"context"
	"fmt"
	"time"

	"zigbee-go-deconz/internal/store"
)

// ScanTopology reads the neighbor and routing tables of nwk and saves them
// as a snapshot. End devices have no routing table; a failed routing read
// is recorded in the snapshot instead of failing the scan.
func (c *Coordinator) ScanTopology(ctx context.Context, nwk uint16) (*store.Topology, error) {
	neighbors, err := c.adapter.LQI(ctx, nwk)
	if err != nil {
		return nil, fmt.Errorf("topology 0x%04X: %w", nwk, err)
	}
	snap := &store.Topology{
		NetworkAddress: nwk,
		ScannedAt:      time.Now(),
		Neighbors:      neighbors,
	}
	routes, err := c.adapter.RoutingTable(ctx, nwk)
	if err != nil {
		c.logger.Warn("routing table", "nwk", fmt.Sprintf("0x%04X", nwk), "err", err)
		snap.Error = err.Error()
	} else {
		snap.Routes = routes
	}

	if err := c.store.SaveTopology(snap); err != nil {
		return nil, fmt.Errorf("topology 0x%04X: save: %w", nwk, err)
	}
	c.logger.Info("topology scanned", "nwk", fmt.Sprintf("0x%04X", nwk),
		"neighbors", len(snap.Neighbors), "routes", len(snap.Routes))
	return snap, nil
}

// Topology returns the last saved snapshot for nwk.
func (c *Coordinator) Topology(nwk uint16) (*store.Topology, error) {
	return c.store.GetTopology(nwk)
}
