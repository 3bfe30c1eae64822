package coordinator

import (
	"context"
	"fmt"

	"zigbee-go-deconz/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16 `json:"attr_id"`
	AttrName string `json:"attr_name"`
	Type     string `json:"type,omitempty"`
	Value    any    `json:"value"`
	Status   uint8  `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster.
func (c *Coordinator) ReadAttributes(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	req := zcl.NewReadAttributes(clusterID, c.NextTransactionSeq(), attrIDs...)
	resp, err := c.adapter.SendZCLFrameToEndpoint(ctx, nwk, endpoint, req)
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}
	if resp.Frame.Header.CommandID != zcl.FoundationReadAttributesResponse {
		return nil, fmt.Errorf("read attributes: unexpected %s response", resp.Frame.Command)
	}

	var results []AttributeResult
	for _, p := range resp.Frame.Payload {
		r, ok := p.(zcl.ReadRecord)
		if !ok {
			continue
		}
		result := AttributeResult{
			AttrID:   r.ID,
			AttrName: c.registry.AttributeName(clusterID, r.ID),
			Status:   r.Status,
		}
		if r.Status != zcl.ZCLStatusSuccess {
			result.Error = fmt.Sprintf("status 0x%02X", r.Status)
		} else {
			result.Type = r.Type.String()
			result.Value = r.Value
		}
		results = append(results, result)
	}
	return results, nil
}

// WriteAttribute writes a single attribute value and waits for the write
// response.
func (c *Coordinator) WriteAttribute(ctx context.Context, nwk uint16, endpoint uint8, clusterID, attrID uint16, dataType zcl.DataType, value any) error {
	f := &zcl.Frame{
		Header: zcl.Header{
			FrameControl:   zcl.FrameControl{FrameType: zcl.FrameTypeGlobal},
			TransactionSeq: c.NextTransactionSeq(),
			CommandID:      zcl.FoundationWriteAttributes,
		},
		ClusterID: clusterID,
		Payload:   []any{zcl.AttributeRecord{ID: attrID, Type: dataType, Value: value}},
	}
	resp, err := c.adapter.SendZCLFrameToEndpoint(ctx, nwk, endpoint, f)
	if err != nil {
		return fmt.Errorf("write attribute: %w", err)
	}
	for _, p := range resp.Frame.Payload {
		if r, ok := p.(zcl.StatusRecord); ok && r.Status != zcl.ZCLStatusSuccess {
			return fmt.Errorf("write attribute 0x%04X: status 0x%02X", r.ID, r.Status)
		}
	}
	return nil
}

// ConfigureReporting asks a device endpoint to report attributes of a
// cluster and checks every returned status.
func (c *Coordinator) ConfigureReporting(ctx context.Context, nwk uint16, endpoint uint8, clusterID uint16, records ...zcl.ReportingConfig) error {
	if len(records) == 0 {
		return nil
	}
	f := zcl.NewConfigureReporting(clusterID, c.NextTransactionSeq(), records...)
	resp, err := c.adapter.SendZCLFrameToEndpoint(ctx, nwk, endpoint, f)
	if err != nil {
		return fmt.Errorf("configure reporting: %w", err)
	}
	switch resp.Frame.Header.CommandID {
	case zcl.FoundationConfigReportingResp:
		for _, p := range resp.Frame.Payload {
			if r, ok := p.(zcl.ReportingStatus); ok && r.Status != zcl.ZCLStatusSuccess {
				return fmt.Errorf("configure reporting 0x%04X/0x%04X: status 0x%02X", clusterID, r.ID, r.Status)
			}
		}
		return nil
	case zcl.FoundationDefaultResponse:
		for _, p := range resp.Frame.Payload {
			if r, ok := p.(zcl.DefaultResponse); ok && r.Status != zcl.ZCLStatusSuccess {
				return fmt.Errorf("configure reporting 0x%04X: status 0x%02X", clusterID, r.Status)
			}
		}
		return nil
	}
	return fmt.Errorf("configure reporting: unexpected %s response", resp.Frame.Command)
}

// SendClusterCommand sends a cluster-specific command to a device or, when
// group is set, to a group.
func (c *Coordinator) SendClusterCommand(ctx context.Context, addr uint16, endpoint uint8, group bool, clusterID uint16, commandID uint8, payload []byte) error {
	var args []any
	if len(payload) > 0 {
		args = []any{payload}
	}
	f := zcl.NewClusterCommand(clusterID, c.NextTransactionSeq(), commandID, args...)
	if group {
		return c.adapter.SendZCLFrameToGroup(ctx, addr, f)
	}
	_, err := c.adapter.SendZCLFrameToEndpoint(ctx, addr, endpoint, f)
	return err
}
