/*
Package storage provides BoltDB-backed persistence for the authoritative
repository state: references with their identifiers and enhancements, the
import lifecycle, pending robot work, robot registrations, and duplicate
decisions.

The search store is a projection of this data, never the source of truth;
repair and reindex always walk this store.

# Bucket layout

	┌─────────────────── BOLTDB STORAGE ────────────────────┐
	│  File: <dataDir>/repository.db                          │
	│                                                         │
	│  references            (reference id → JSON)            │
	│  identifier_index      (type|value|other → reference id) │
	│  import_records        (record id → JSON)                │
	│  import_batches        (batch id → JSON)                 │
	│  import_results        (batch id/line → JSON)            │
	│  enhancement_requests  (request id → JSON)               │
	│  pending_enhancements  (pending id → JSON)               │
	│  robot_batches         (batch id → JSON)                 │
	│  robots                (robot id → JSON)                 │
	│  robot_name_index      (name → robot id)                 │
	│  robot_automations     (automation id → JSON)            │
	│  decisions             (decision id → JSON)              │
	│  active_decisions      (reference id → decision id)      │
	│  duplicate_sets        (canonical id → [duplicate ids])  │
	└─────────────────────────────────────────────────────────┘

# Invariant-bearing operations

Three operations bundle multiple writes into one transaction because an
invariant spans them:

  - SaveReference claims identifier keys and writes the reference together,
    so a concurrent insert on the same identifier surfaces as an integrity
    error rather than a split-brain reference.
  - ActivateDecision deactivates the prior active row, writes the new one,
    and maintains the canonical's duplicate set, keeping "exactly one active
    decision per reference" true at every commit point.
  - LeasePending selects and transitions pending rows in one write
    transaction; BoltDB's single-writer model gives the same effect as
    row-level SKIP LOCKED: a racing poller simply finds nothing left.
*/
package storage
