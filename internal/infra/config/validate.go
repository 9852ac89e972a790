package config

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validatePlugins(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var (
	validLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats   = map[string]bool{"text": true, "json": true}
	validExporters = map[string]bool{"noop": true, "stdout": true, "": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn or error)", cfg.Logger.Level)
	}
	if !validFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.Enabled && !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validatePlugins(cfg *Config, ve *ValidationError) {
	p := cfg.Plugins
	for i, dir := range p.Dirs {
		if strings.TrimSpace(dir) == "" {
			ve.Add("plugins.dirs[%d] must not be empty", i)
		}
	}
	for i, pattern := range p.Disabled {
		if _, err := glob.Compile(pattern); err != nil {
			ve.Add("plugins.disabled[%d] %q is not a valid glob: %v", i, pattern, err)
		}
	}
	if p.ModuleMemoryMB < 0 {
		ve.Add("plugins.module_memory_mb must be >= 0")
	}
	if p.ModuleMemoryMB > 4096 {
		ve.Add("plugins.module_memory_mb must be <= 4096 (32-bit module address space)")
	}
	if p.ExecTimeout < 0 {
		ve.Add("plugins.exec_timeout must be >= 0")
	}
	if p.WaitDelay < 0 {
		ve.Add("plugins.wait_delay must be >= 0")
	}
	if p.Breaker.Enabled && p.Breaker.Timeout < 0 {
		ve.Add("plugins.breaker.timeout must be >= 0")
	}
}
