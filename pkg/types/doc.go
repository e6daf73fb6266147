/*
Package types defines the domain model of the reference repository: the
canonical Reference with its Identifiers and Enhancements, the import
lifecycle records, the robot work queue entities, duplicate decisions, and
the classified error taxonomy shared by every component.

# Core entities

	Reference ──────┬── Identifier        (≥1, unique on type|value|other_name)
	                └── Enhancement       (unique on content type|source)

	ImportRecord ── ImportBatch ── ImportResult   (per artifact line)

	EnhancementRequest ── PendingEnhancement ── RobotEnhancementBatch
	                          │
	                          └── RetryOf chain (ids, arena-resolved)

	ReferenceDuplicateDecision  (exactly one active row per reference)

Enhancement content is a tagged union: EnhancementContent.Type names the
variant and exactly one payload pointer is set. Consumers switch on the tag;
nothing in the hot path reflects over payloads.

# Errors

Every failure a component surfaces is classified by ErrorKind. Retry policy
hangs off the classification: IsTransient picks out integrity collisions,
lost bus locks, and unreachable robots; everything else is terminal.
*/
package types
