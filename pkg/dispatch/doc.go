/*
Package dispatch hands enhancement work to robots and settles what comes
back.

Robots pull: RequestBatch leases pending rows, hydrates the referenced
records into an NDJSON artifact, and returns signed read/write URLs. The
lease is the contract: RenewLease extends it while any row is still
processing, and the sweeper expires whatever a robot walked away from,
re-queuing a retry sibling until the chain depth is exhausted.

Robots with a registered callback URL also get pushed to: the notifier
periodically materializes batches for them and posts each batch to the
robot's batch endpoint, falling back to the lease machinery when the
robot is unreachable.

SubmitResult accepts either a terminal error, which fails the whole batch,
or a pointer to the result artifact, which ImportResultArtifact consumes
line by line: each enhancement is validated through the wire layer and
attached to its reference, and every pending row settles exactly once.

Outbound robot calls are HMAC-signed over "<timestamp>.<body>" with the
robot's stored secret digest as the key; the robot derives the same key by
hashing its plaintext secret, so the plaintext never rests on this side.
*/
package dispatch
