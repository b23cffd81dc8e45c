// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/danielhkuo/facilitator/models"
)

const pluginFuncName = "ToolDefinitions"

// pluginDefinition is one entry returned by a plugin's ToolDefinitions().
// A plugin specializes a built-in behavior: it names the engine it rides
// on and overrides the manifest the catalog shows for it.
type pluginDefinition struct {
	Manifest models.ToolManifest `yaml:",inline"`
	Behavior string              `yaml:"behavior"`
}

// LoadPluginDir evaluates every .go file in dir and registers the tool
// definitions each declares via ToolDefinitions() []map[string]any.
// Built-in behaviors must already be registered; a definition naming an
// unknown behavior fails the whole load. A missing or empty dir is not
// an error.
func (r *Registry) LoadPluginDir(dir string) error {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)

	for _, path := range paths {
		defs, err := loadPluginFile(path)
		if err != nil {
			return err
		}
		for _, def := range defs {
			base, err := r.Get(def.Behavior)
			if err != nil {
				return fmt.Errorf("plugin: %s: behavior %q is not a registered tool", path, def.Behavior)
			}
			if err := r.Register(&declaredTool{base: base, manifest: def.Manifest}); err != nil {
				return fmt.Errorf("plugin: %s: %w", path, err)
			}
			slog.Info("plugin tool registered", "tool_type", def.Manifest.ToolType, "behavior", def.Behavior, "path", path)
		}
	}
	return nil
}

func loadPluginFile(path string) ([]pluginDefinition, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: init interpreter for %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(pluginFuncName)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s() ([]map[string]any, error): %w", path, pluginFuncName, err)
	}

	raw, err := invokeDefinitionFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}

	defs := make([]pluginDefinition, 0, len(raw))
	for idx, entry := range raw {
		// Round-trip through YAML so loosely-typed plugin maps normalize
		// into the manifest shape with defaults applied consistently.
		payload, err := yaml.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		var def pluginDefinition
		if err := yaml.Unmarshal(payload, &def); err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		if def.Manifest.ToolType == "" {
			return nil, fmt.Errorf("plugin: %s definition[%d]: tool_type is required", path, idx)
		}
		if def.Behavior == "" {
			return nil, fmt.Errorf("plugin: %s definition[%d]: behavior is required", path, idx)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func invokeDefinitionFunc(value reflect.Value) ([]map[string]any, error) {
	if !value.IsValid() {
		return nil, fmt.Errorf("missing %s function", pluginFuncName)
	}
	if value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", pluginFuncName)
	}
	results := value.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", pluginFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", pluginFuncName)
	}

	defsVal := results[0]
	if defs, ok := defsVal.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if defsVal.Kind() == reflect.Slice {
		out := make([]map[string]any, defsVal.Len())
		for i := 0; i < defsVal.Len(); i++ {
			m, ok := defsVal.Index(i).Interface().(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is not map[string]any", pluginFuncName, i)
			}
			out[i] = m
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s must return []map[string]any", pluginFuncName)
}

// declaredTool is a plugin-declared specialization: the base engine's
// behavior under the plugin's manifest.
type declaredTool struct {
	base     Tool
	manifest models.ToolManifest
}

func (d *declaredTool) Manifest() models.ToolManifest { return d.manifest }

func (d *declaredTool) Open(ctx context.Context, ac *ActivityContext, input *models.Bundle) error {
	return d.base.Open(ctx, ac, input)
}

func (d *declaredTool) Close(ctx context.Context, ac *ActivityContext) (*ClosePayload, error) {
	return d.base.Close(ctx, ac)
}

func (d *declaredTool) Snapshot(ctx context.Context, ac *ActivityContext) (*DraftPayload, error) {
	return d.base.Snapshot(ctx, ac)
}

func (d *declaredTool) TransferSource(ctx context.Context, ac *ActivityContext, includeComments bool) (*TransferExport, error) {
	return d.base.TransferSource(ctx, ac, includeComments)
}

func (d *declaredTool) TransferCount(ctx context.Context, ac *ActivityContext) (int, error) {
	return d.base.TransferCount(ctx, ac)
}
