//go:build no_automation

package automation

import "log/slog"

// Manager is a no-op when automation is compiled out.
type Manager struct{}

// NewManager returns a nil manager.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(_ string) (*Script, error)   { return nil, ErrDisabled }
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, ErrDisabled }
func (m *Manager) Delete(_ string) error           { return ErrDisabled }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(_ Network, _ DeviceLister, _ *Manager, _ *slog.Logger) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                      {}
func (e *Engine) Stop()                       {}
func (e *Engine) Running() []string           { return nil }
func (e *Engine) ReloadScript(_ string) error { return nil }
func (e *Engine) StopScript(_ string)         {}

func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error()}
}

func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error()}
}
