/*
Package index manages versioned bleve indices behind a stable alias.

Writers and readers address the alias, never a concrete index. Migrate
builds <alias>_v(n+1), copies documents in two passes (the second under a
write block so nothing lands between copy and switch) and swaps the alias
atomically. Rollback points the alias back at a retired version; documents
written since the migration are missing until a repair pass reprojects
them. Rebuild empties the current index in place for the same reason.

Retired indices stay on disk until Delete, which refuses to remove
whatever the alias currently resolves to.
*/
package index
