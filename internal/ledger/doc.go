// Package ledger is the durable record of feed items that were already
// processed (delivered or skipped by policy).
//
// The sync worker reads it before touching an item and writes it right after
// a delivery or skip. Entries are never removed automatically.
//
// Drivers:
//   - "json": a single human-readable file {"<id>": <unix seconds>}, rewritten on every update
//   - "sqlite": SQLite database file
//   - "memory": process-local, for tests
package ledger
