// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package categorize implements the categorization consensus engine. Items
are sorted into buckets in one of two modes: facilitator-live, where a
privileged actor maintains a single authoritative placement per item,
and parallel-ballot, where every participant privately assigns all
items and then submits, after which per-item agreement metrics (top
share, runner-up share, margin) classify each item as AGREED or
DISPUTED. A reserved UNSORTED bucket always exists; deleting any other
bucket remaps its placements there rather than leaving dangling
references. Every mutation lands in an append-only audit log.
*/
package categorize
