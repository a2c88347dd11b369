// Package api holds the DTOs shared by the daemon, the IPC layer, and the
// CLI, plus conversions from internal models to their wire representations.
package api

import (
	"capstan/internal/backend"
	"capstan/internal/deps"
	"capstan/internal/engine"
	"capstan/internal/envstate"
	"capstan/internal/svc"
)

// VariantStatus is the wire form of one environment variant.
type VariantStatus struct {
	Installed bool `json:"installed"`
	Ready     bool `json:"ready"`
}

// BackendStatus summarizes one backend for display.
type BackendStatus struct {
	ID          string              `json:"id"`
	DisplayName string              `json:"display_name"`
	CPU         VariantStatus       `json:"cpu"`
	GPU         VariantStatus       `json:"gpu"`
	Active      string              `json:"active"`
	Service     string              `json:"service,omitempty"`
	Models      []engine.ModelState `json:"models,omitempty"`
}

// DaemonStatus is the wire form of daemon runtime information.
type DaemonStatus struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	LockPath     string          `json:"lock_path"`
	SocketPath   string          `json:"socket_path"`
	HistoryPath  string          `json:"history_path"`
	Backends     []BackendStatus `json:"backends"`
	Dependencies []deps.Status   `json:"dependencies,omitempty"`
	Preflight    []deps.Result   `json:"preflight,omitempty"`
}

// FromEnvState converts a probe result to its wire form.
func FromEnvState(desc backend.Descriptor, state envstate.State, service svc.State, models []engine.ModelState) BackendStatus {
	status := BackendStatus{
		ID:          desc.ID,
		DisplayName: desc.DisplayName,
		CPU:         VariantStatus{Installed: state.CPU.Installed, Ready: state.CPU.Ready},
		GPU:         VariantStatus{Installed: state.GPU.Installed, Ready: state.GPU.Ready},
		Active:      string(state.Active),
		Models:      models,
	}
	if desc.SupportsService() {
		status.Service = string(service)
	}
	return status
}
