// Package store provides durable SQLite storage for runledger records.
//
// The store is the primary source of truth: a write that the store rejects
// was never accepted by the engine. It holds the five linked record tables
// (entries, tool invocations, skill invocations, assertions, assertion
// chains) plus the run table, and serves the query surface: filtered lists
// with cursor pagination, aggregate summaries, and liveness audits.
//
// SQLite runs in WAL mode so readers never block the writer. Each store
// handle owns a single write connection; one handle per writer instance
// keeps cross-instance writes from interleaving at the statement level.
package store
