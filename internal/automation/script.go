package automation

import (
	"context"

	"tuya-go-home/internal/coordinator"
	"tuya-go-home/internal/store"
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script represents a single automation script stored on disk.
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

// Controller is the device API scripts are given.
type Controller interface {
	Events() *coordinator.EventBus
	Devices() ([]*store.Device, error)
	Device(id string) (*store.Device, error)
	Status(ctx context.Context, id string) (map[string]any, error)
	Set(ctx context.Context, id string, dps map[string]any) error
	Refresh(ctx context.Context, id string, dpIDs []int) error
}
