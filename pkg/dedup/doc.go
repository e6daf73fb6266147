/*
Package dedup decides whether an ingested reference is canonical or a
duplicate of something already in the corpus.

The pipeline runs in three stages:

	┌──────────────┐    ┌─────────────────┐    ┌──────────────────┐
	│ searchability │ →  │ candidate fetch  │ →  │ pair scoring     │
	│ gate          │    │ (fuzzy title +   │    │ (first-match-    │
	│ title + year  │    │  year window)    │    │  wins tiers)     │
	└──────────────┘    └─────────────────┘    └──────────────────┘

A reference with no usable title tokens or no publication year is marked
unsearchable and left canonical by default. Candidates come from the
search projection, constrained to canonical documents within a one-year
window. Each candidate is scored by the tiered rules in Score: identifier
agreement outranks relevance, relevance needs Jaccard corroboration, and
very short titles need near-exact token overlap. The first non-low
confidence candidate wins; the decision is activated in the authoritative
store and the cluster projection is rewritten.

A duplicate's document is removed from the index; its identifiers and
enhancements surface through the canonical's cluster document instead.
*/
package dedup
