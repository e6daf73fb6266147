/*
Package search maintains the full-text projection of the reference corpus
on bleve.

Each canonical reference is indexed as one ReferenceDoc: the deduplicated
union of its whole duplicate cluster. Duplicates hold no document of their
own. BuildProjection assembles the union; the Store executes projections,
candidate retrieval for the deduplication engine, and user-facing search
with pagination, year-range and annotation filters, and keyword sorting.

The Store writes through a narrow Index interface so the index manager can
swap versions beneath it without interrupting readers.
*/
package search
