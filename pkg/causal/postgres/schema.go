// Package postgres is the pgx-backed causal.StorageCollection implementation
// (spec.md §6.1): entity state snapshots and their backing event logs,
// persisted across two tables shared by every collection, plus a
// LISTEN/NOTIFY change feed so the reactive layer can learn about writes
// without polling.
//
// Grounded on pkg/dcb/postgres/store.go and pkg/dcb/event_store.go: the
// same pgxpool.Pool-held-by-value struct, the same error-wrapping-per-op
// style, and the same hand-built SQL over a single shared table rather than
// one table per logical stream.
package postgres

// Schema is the DDL this package expects to already exist (or be applied
// once at startup, as the teacher's own test suites do via pool.Exec before
// the first query). It is not applied automatically by NewStore: a
// node may share one database across collections and should migrate once,
// not per collection handle.
const Schema = `
CREATE TABLE IF NOT EXISTS causal_entity_states (
	collection   TEXT NOT NULL,
	entity_id    BYTEA NOT NULL,
	state_buffers BYTEA NOT NULL,
	head_clock   BYTEA NOT NULL,
	properties   JSONB NOT NULL DEFAULT '{}',
	attestations BYTEA NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, entity_id)
);

CREATE INDEX IF NOT EXISTS causal_entity_states_properties_gin
	ON causal_entity_states USING GIN (properties);

CREATE TABLE IF NOT EXISTS causal_events (
	event_id     BYTEA NOT NULL PRIMARY KEY,
	collection   TEXT NOT NULL,
	entity_id    BYTEA NOT NULL,
	operations   BYTEA NOT NULL,
	parent_clock BYTEA NOT NULL,
	attestations BYTEA NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS causal_events_entity_idx
	ON causal_events (collection, entity_id);
`
