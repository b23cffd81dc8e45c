// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package dotvote implements dot voting: each participant gets a small
budget of identical votes to spread across a fixed option list, and the
final tally orders options highest-first with a deterministic
case-insensitive tie-break. Casts are idempotent per client key, and
result visibility depends on the activity config and the viewer's role.
*/
package dotvote
