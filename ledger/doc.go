// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

/*
Package ledger makes retried write submissions safe.

Clients attach an optional key to retryable writes. The first attempt
claims an idempotency record for the (session, activity, actor, key)
scope, runs the write, and stores the response; subsequent attempts with
the same key and a semantically identical payload get the stored response
back verbatim. Reusing a key with a different payload is a conflict, as
is a duplicate that arrives while the first attempt is still running.

Records expire after 48 hours and are pruned opportunistically on the
write path; there is no background job.
*/
package ledger
