/*
Package log provides structured logging built on zerolog.

Call Init once at startup; components obtain child loggers through
WithComponent and the domain helpers (WithReferenceID, WithBatchID,
WithRobotID) so every line carries the ids needed to trace a reference
through ingest, deduplication, projection, and dispatch. Console output is
the default; JSONOutput switches to machine-readable lines and File adds a
rotating sink for long-running deployments.
*/
package log
