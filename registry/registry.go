// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package registry

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/danielhkuo/facilitator/models"
)

// Registry maps lower-cased tool-type strings to Tool implementations.
//
// Loading merges built-in tools with tools discovered from an external
// plugin directory; on a name collision the later registration wins.
// Once Finalize is called the registry is immutable for the process
// lifetime; there is no hot reload.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	ready bool
}

func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its manifest type. Last registration wins
// on collision; the override is logged so operators can spot accidental
// shadowing.
func (r *Registry) Register(t Tool) error {
	toolType := strings.ToLower(strings.TrimSpace(t.Manifest().ToolType))
	if toolType == "" {
		return models.Validationf("tool manifest has empty tool_type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return models.Conflictf("registry is finalized; registration is closed")
	}
	if _, exists := r.tools[toolType]; exists {
		slog.Warn("tool type re-registered, later registration wins", "tool_type", toolType)
	}
	r.tools[toolType] = t
	return nil
}

// Finalize marks the registry ready and closes registration.
func (r *Registry) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

// Ready reports whether warm-up has completed.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ready
}

// Get resolves a tool-type string, case-insensitively.
func (r *Registry) Get(toolType string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(strings.TrimSpace(toolType))]
	if !ok {
		return nil, models.NotFoundf("unknown tool type: " + toolType)
	}
	return t, nil
}

// Manifests returns the catalog, sorted by tool type.
func (r *Registry) Manifests() []models.ToolManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolManifest, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToolType < out[j].ToolType })
	return out
}

// AutosaveSeconds resolves the autosave interval for an activity:
// explicit activity config, then the manifest default, then the global
// default, clamped to [5, 300].
func AutosaveSeconds(cfg map[string]any, manifest models.ToolManifest, globalDefault int) int {
	interval := 0
	if cfg != nil {
		switch v := cfg["autosave_seconds"].(type) {
		case int:
			interval = v
		case float64:
			interval = int(v)
		}
	}
	if interval <= 0 {
		interval = manifest.AutosaveSeconds
	}
	if interval <= 0 {
		interval = globalDefault
	}
	if interval <= 0 {
		interval = models.DefaultAutosaveSeconds
	}
	if interval < models.MinAutosaveSeconds {
		interval = models.MinAutosaveSeconds
	}
	if interval > models.MaxAutosaveSeconds {
		interval = models.MaxAutosaveSeconds
	}
	return interval
}
