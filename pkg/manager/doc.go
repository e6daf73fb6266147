/*
Package manager wires the repository components together and drives the
per-reference continuation chain.

	import artifact ── import.batch ──┬── reference.changed ── dedup
	                                  │        │
	robot results ── robot_batch.import┘        ├── project cluster
	                                            ├── percolate change
	                                            └── emit robot work

Each link is a bus task: a failing link retries without re-running the
links before it, and a projection failure after a committed authoritative
write schedules a repair task instead of losing the document. The periodic
repair loop reconciles the whole index against the store (reprojecting
live clusters, deleting orphans) and the same pass runs one-shot after an
index rebuild.
*/
package manager
