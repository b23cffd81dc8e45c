// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package models defines the shared domain types for the facilitator
engine: sessions, activities, bundles, votes, ballots, categorization
records, the idempotency ledger record, tool manifests, and the error
taxonomy used across packages.

Types here are plain data. Behavior lives in the packages that own each
table; models exists so tools, stores, and the orchestration layer agree
on shapes without import cycles.
*/
package models
