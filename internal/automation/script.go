// Package automation runs Lua scripts that react to network events.
package automation

import (
	"context"
	"errors"

	"zigbee-go-deconz/internal/event"
	"zigbee-go-deconz/internal/store"
)

var (
	// ErrInvalidID is returned for script IDs that are not a plain file stem.
	ErrInvalidID = errors.New("automation: invalid script id")
	// ErrDisabled is returned when automation support is compiled out.
	ErrDisabled = errors.New("automation: disabled")
)

// ScriptMeta is the optional JSON header on a script's first line.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single .lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Network is the coordinator surface scripts can reach.
type Network interface {
	Events() *event.Bus
	PermitJoin(ctx context.Context, duration uint8) error
	SendClusterCommand(ctx context.Context, addr uint16, endpoint uint8, group bool, clusterID uint16, commandID uint8, payload []byte) error
}

// DeviceLister lists the known devices.
type DeviceLister interface {
	ListDevices() ([]*store.Device, error)
}
