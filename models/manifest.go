// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package models

// Reliability policy defaults, applied to unset or invalid fields.
const (
	DefaultMaxRetries      = 2
	DefaultBaseDelayMS     = 350
	DefaultMaxDelayMS      = 1800
	DefaultJitterRatio     = 0.2
	DefaultIdempotencyHdr  = "X-Idempotency-Key"
	DefaultAutosaveSeconds = 30
	MinAutosaveSeconds     = 5
	MaxAutosaveSeconds     = 300
	IdempotencyTTLHours    = 48
)

// DefaultRetryableStatuses returns a fresh copy of the default retryable
// status set so callers can't mutate the shared default.
func DefaultRetryableStatuses() []int {
	return []int{429, 502, 503, 504}
}

// RetryPolicy governs how clients should retry one named action.
type RetryPolicy struct {
	RetryableStatuses     []int   `json:"retryable_statuses" yaml:"retryable_statuses" mapstructure:"retryable_statuses"`
	MaxRetries            int     `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMS           int     `json:"base_delay_ms" yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMS            int     `json:"max_delay_ms" yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	JitterRatio           float64 `json:"jitter_ratio" yaml:"jitter_ratio" mapstructure:"jitter_ratio"`
	IdempotencyHeaderName string  `json:"idempotency_header_name" yaml:"idempotency_header_name" mapstructure:"idempotency_header_name"`
}

// Normalize fills unset or invalid fields with the documented defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if len(p.RetryableStatuses) == 0 {
		p.RetryableStatuses = DefaultRetryableStatuses()
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelayMS <= 0 {
		p.BaseDelayMS = DefaultBaseDelayMS
	}
	if p.MaxDelayMS <= 0 || p.MaxDelayMS < p.BaseDelayMS {
		p.MaxDelayMS = DefaultMaxDelayMS
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 {
		p.JitterRatio = DefaultJitterRatio
	}
	if p.IdempotencyHeaderName == "" {
		p.IdempotencyHeaderName = DefaultIdempotencyHdr
	}
	return p
}

// ToolManifest is declared by every plugin and consumed by the catalog.
type ToolManifest struct {
	ToolType          string                 `json:"tool_type" yaml:"tool_type" mapstructure:"tool_type"`
	Label             string                 `json:"label" yaml:"label" mapstructure:"label"`
	Description       string                 `json:"description" yaml:"description" mapstructure:"description"`
	DefaultConfig     map[string]any         `json:"default_config,omitempty" yaml:"default_config" mapstructure:"default_config"`
	ReliabilityPolicy map[string]RetryPolicy `json:"reliability_policy,omitempty" yaml:"reliability_policy" mapstructure:"reliability_policy"`
	AutosaveSeconds   int                    `json:"autosave_seconds,omitempty" yaml:"autosave_seconds" mapstructure:"autosave_seconds"`
}

// PolicyFor resolves the normalized retry policy for an action name,
// falling back to all-defaults when the action is not declared.
func (m ToolManifest) PolicyFor(action string) RetryPolicy {
	if p, ok := m.ReliabilityPolicy[action]; ok {
		return p.Normalize()
	}
	return RetryPolicy{}.Normalize()
}
