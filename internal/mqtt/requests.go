//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const requestTimeout = 30 * time.Second

// response is published on <prefix>/response/<name>.
type response struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// address accepts a JSON number or a decimal or 0x-hex string.
type address uint16

func (a *address) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseUint(strings.Trim(string(b), `"`), 0, 16)
	if err != nil {
		return fmt.Errorf("invalid network address %s", b)
	}
	*a = address(v)
	return nil
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

type topologyRequest struct {
	Address address `json:"address"`
}

func (b *Bridge) handleRequest(name string, payload []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, requestTimeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch name {
	case "permit_join":
		data, err = b.requestPermitJoin(ctx, payload)
	case "topology":
		data, err = b.requestTopology(ctx, payload)
	default:
		err = fmt.Errorf("unknown request %q", name)
	}

	resp := response{Status: "ok", Data: data}
	if err != nil {
		b.logger.Warn("request failed", "request", name, "err", err)
		resp = response{Status: "error", Error: err.Error()}
	}
	b.publish(b.topic("response", name), mustJSON(resp), false)
}

func (b *Bridge) requestPermitJoin(ctx context.Context, payload []byte) (any, error) {
	var req permitJoinRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if err := b.net.PermitJoin(ctx, req.Duration); err != nil {
		return nil, err
	}
	return req, nil
}

func (b *Bridge) requestTopology(ctx context.Context, payload []byte) (any, error) {
	var req topologyRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	return b.net.ScanTopology(ctx, uint16(req.Address))
}
