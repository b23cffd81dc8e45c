// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

// Package cliparse resolves runtime configuration from CLI flags, then
// the environment (with .env support for development).
package cliparse
