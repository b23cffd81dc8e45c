// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package rankorder implements Borda-style rank aggregation. Each
participant submits a total order over the option list; per option the
engine computes a Borda score (K minus rank, summed over complete
rankings), average rank, population rank variance, and top-choice
share. Partial rankings are stored but excluded from the aggregate
math. Viewers who have not submitted see the options in a
per-viewer-deterministic shuffled order to avoid primacy bias.
*/
package rankorder
