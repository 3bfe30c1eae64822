package coordinator

import (
	"context"

	"zigbee-go-deconz/internal/adapter"
)

// Bind creates a binding on the target device.
func (c *Coordinator) Bind(ctx context.Context, target uint16, srcIEEE string, srcEP uint8, clusterID uint16, dstIEEE string, dstEP uint8) error {
	return c.adapter.Bind(ctx, adapter.BindRequest{
		Target:      target,
		SrcIEEE:     srcIEEE,
		SrcEndpoint: srcEP,
		ClusterID:   clusterID,
		DstIEEE:     dstIEEE,
		DstEndpoint: dstEP,
	})
}

// Unbind removes a binding from the target device.
func (c *Coordinator) Unbind(ctx context.Context, target uint16, srcIEEE string, srcEP uint8, clusterID uint16, dstIEEE string, dstEP uint8) error {
	return c.adapter.Unbind(ctx, adapter.BindRequest{
		Target:      target,
		SrcIEEE:     srcIEEE,
		SrcEndpoint: srcEP,
		ClusterID:   clusterID,
		DstIEEE:     dstIEEE,
		DstEndpoint: dstEP,
	})
}
