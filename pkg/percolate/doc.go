/*
Package percolate matches stored robot-automation queries against
reference changes, classic percolation turned inside out. The N change
documents are indexed into a throwaway in-memory index and every stored
query runs over it once, so cost scales with the automation registry, not
the corpus. Each change document pairs the reference's current projection
with the delta just applied, letting automations match "this change added
a DOI" rather than only "this reference has a DOI".
*/
package percolate
