// Package store provides SQLite-backed durable storage for flow checkpoints.
//
// The store holds two tables:
//   - checkpoints: the latest checkpoint of every flow run that persisted one
//   - dedup_facts: ids of inbound messages whose effects are committed
//
// # Transactions
//
// All writes go through a Tx obtained from Store.Begin. The runtime opens one
// for every CreateTransaction action and commits it on CommitTransaction, so
// a checkpoint and the deduplication facts of the messages that produced it
// become durable together.
//
// # Fingerprints
//
// Every row stores the fingerprint of its encoded checkpoint (canonical JSON
// and SHA-256 with domain separation, see package codec). An update whose
// fingerprint and status match the stored row is skipped.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// List queries order by run_id COLLATE BINARY so results are identical
// across runs.
package store
