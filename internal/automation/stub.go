//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"kasa-go-home/internal/platform"
)

// ErrScriptNotFound is returned for every lookup when automation is disabled.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is an automation script.
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

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns nil manager when automation is disabled.
func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(string) error             { return ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(*platform.Hub, *Manager, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}
func (e *Engine) Running() []string         { return nil }

// CheckSyntax accepts any code when automation is disabled.
func CheckSyntax(string) error { return nil }

// RunScript returns a stub result.
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
