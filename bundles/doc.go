// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package bundles implements the bundle store and the activity pipeline.

A bundle is a kinded snapshot of an activity's item payload: input,
draft, output, or transfer. Outputs (and inputs and transfers) are
append-only rows where the newest row is authoritative; drafts are
upserted in place so autosave never accumulates history.

The pipeline chains consecutive agenda activities: EnsureInputBundle
copies the predecessor's current output into a fresh input bundle for the
next activity, deleting stale inputs left behind by resets.
*/
package bundles
