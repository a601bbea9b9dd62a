//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"fastcon-bridge/internal/controller"
)

var errDisabled = errors.New("automation disabled")

// ErrScriptNotFound is returned for ids without a script file.
var ErrScriptNotFound = errors.New("script not found")

// Controller is the part of the light controller scripts can drive.
type Controller interface {
	Events() *controller.EventBus
	Context() context.Context
	Lights() []controller.LightDevice
	SetState(ctx context.Context, id string, on bool) error
	SetBrightness(ctx context.Context, id string, brightness uint8) error
	SetRGB(ctx context.Context, id string, r, g, b uint8) error
	SetColorTemperature(ctx context.Context, id string, temp uint16) error
	DiscoverAndPairAll(ctx context.Context) (controller.BootstrapResult, error)
}

// ScriptMeta is the JSON header on the first line of a script file.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored as <id>.lua in the scripts directory.
type Script struct {
	ID       string     `json:"id"`
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

// Manager is a no-op when automation is compiled out.
type Manager struct{}

// NewManager returns a nil manager.
func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(string) error             { return errDisabled }

// Engine is a no-op when automation is compiled out.
type Engine struct{}

// NewEngine returns a no-op engine.
func NewEngine(Controller, *Manager, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() []string         { return nil }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
