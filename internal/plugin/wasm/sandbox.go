package wasm

import (
	"time"

	"lodestone/internal/domain"
)

// Limits bounds what a single module call may consume.
type Limits struct {
	MaxMemoryMB int
	ExecTimeout time.Duration // 0 disables the per-call deadline
}

// DefaultLimits returns the host-wide defaults.
func DefaultLimits() Limits {
	return Limits{MaxMemoryMB: 64, ExecTimeout: 30 * time.Second}
}

// ForPlugin applies a plugin's manifest overrides on top of l.
func (l Limits) ForPlugin(cfg *domain.ModuleConfig) Limits {
	if cfg != nil && cfg.ExecTimeout > 0 {
		l.ExecTimeout = cfg.ExecTimeout
	}
	return l
}

// MemoryPages returns the number of WASM 64KB memory pages corresponding
// to the configured memory limit.
func (l Limits) MemoryPages() uint32 {
	if l.MaxMemoryMB <= 0 {
		return 0
	}
	return uint32(l.MaxMemoryMB) * 16 // 1 MB = 16 pages of 64KB
}
