package store

// Postgres schema. ledger_entries is write-once: a trigger rejects UPDATE and
// DELETE so immutability holds at the database level, not just by convention.
const pgSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	sequence_number BIGINT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	source TEXT NOT NULL,
	producer TEXT NOT NULL,
	correlation_id TEXT,
	actor_id TEXT,
	asset_id TEXT,
	anchor_id TEXT,
	payload JSONB NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT,
	entry_hash TEXT NOT NULL,
	asset_state_hash TEXT,
	evidence_set_hash TEXT,
	ruleset_version TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_ledger_asset ON ledger_entries(asset_id);
CREATE INDEX IF NOT EXISTS idx_ledger_anchor ON ledger_entries(anchor_id);
CREATE INDEX IF NOT EXISTS idx_ledger_correlation ON ledger_entries(correlation_id);
CREATE INDEX IF NOT EXISTS idx_ledger_event_type ON ledger_entries(event_type);
CREATE INDEX IF NOT EXISTS idx_ledger_source ON ledger_entries(source);
CREATE INDEX IF NOT EXISTS idx_ledger_created_at ON ledger_entries(created_at);

CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_trigger WHERE tgname = 'ledger_entries_write_once'
	) THEN
		CREATE TRIGGER ledger_entries_write_once
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();
	END IF;
END
$$;

CREATE TABLE IF NOT EXISTS event_subscriptions (
	id TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	webhook_url TEXT NOT NULL,
	event_types TEXT NOT NULL DEFAULT '[]',
	source_filter TEXT NOT NULL DEFAULT '[]',
	secret TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (subscriber_id, webhook_url)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	next_retry_at TIMESTAMPTZ NOT NULL,
	last_error TEXT,
	response_status INTEGER,
	response_body TEXT,
	claimed_by TEXT,
	claimed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_pending
	ON webhook_deliveries(next_retry_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_snapshot TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS proof_views (
	proof_id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL,
	verification_event_id TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL,
	asset_state_hash TEXT NOT NULL,
	evidence_set_hash TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	created_by TEXT NOT NULL,
	scope TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proofs_asset ON proof_views(asset_id);

CREATE TABLE IF NOT EXISTS evidence_snapshots (
	asset_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	storage_ref TEXT,
	metadata TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (asset_id, evidence_id)
);

CREATE TABLE IF NOT EXISTS verification_cache (
	asset_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason_code TEXT,
	confidence_bps INTEGER NOT NULL DEFAULT 0,
	last_verification_event_id TEXT,
	active_freeze BOOLEAN NOT NULL DEFAULT FALSE,
	ruleset_version TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_checkpoints (
	checkpoint_sequence BIGINT PRIMARY KEY,
	checkpoint_hash TEXT NOT NULL,
	entries_count BIGINT NOT NULL,
	verified_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	actor_id TEXT,
	resource TEXT,
	detail TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
`

// SQLite schema for Lite Mode. Triggers stand in for the Postgres write-once
// trigger; partial indexes are supported natively.
const liteSchema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	sequence_number INTEGER NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	source TEXT NOT NULL,
	producer TEXT NOT NULL,
	correlation_id TEXT,
	actor_id TEXT,
	asset_id TEXT,
	anchor_id TEXT,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT,
	entry_hash TEXT NOT NULL,
	asset_state_hash TEXT,
	evidence_set_hash TEXT,
	ruleset_version TEXT,
	created_at TIMESTAMP NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE
);

CREATE INDEX IF NOT EXISTS idx_ledger_asset ON ledger_entries(asset_id);
CREATE INDEX IF NOT EXISTS idx_ledger_anchor ON ledger_entries(anchor_id);
CREATE INDEX IF NOT EXISTS idx_ledger_correlation ON ledger_entries(correlation_id);
CREATE INDEX IF NOT EXISTS idx_ledger_event_type ON ledger_entries(event_type);
CREATE INDEX IF NOT EXISTS idx_ledger_source ON ledger_entries(source);
CREATE INDEX IF NOT EXISTS idx_ledger_created_at ON ledger_entries(created_at);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TABLE IF NOT EXISTS event_subscriptions (
	id TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	webhook_url TEXT NOT NULL,
	event_types TEXT NOT NULL DEFAULT '[]',
	source_filter TEXT NOT NULL DEFAULT '[]',
	secret TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (subscriber_id, webhook_url)
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id TEXT PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMP,
	next_retry_at TIMESTAMP NOT NULL,
	last_error TEXT,
	response_status INTEGER,
	response_body TEXT,
	claimed_by TEXT,
	claimed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_pending
	ON webhook_deliveries(next_retry_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL,
	subscription_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event_snapshot TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS proof_views (
	proof_id TEXT PRIMARY KEY,
	asset_id TEXT NOT NULL,
	verification_event_id TEXT NOT NULL,
	snapshot_hash TEXT NOT NULL,
	asset_state_hash TEXT NOT NULL,
	evidence_set_hash TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL,
	revoked_at TIMESTAMP,
	created_by TEXT NOT NULL,
	scope TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_proofs_asset ON proof_views(asset_id);

CREATE TABLE IF NOT EXISTS evidence_snapshots (
	asset_id TEXT NOT NULL,
	evidence_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	storage_ref TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (asset_id, evidence_id)
);

CREATE TABLE IF NOT EXISTS verification_cache (
	asset_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	reason_code TEXT,
	confidence_bps INTEGER NOT NULL DEFAULT 0,
	last_verification_event_id TEXT,
	active_freeze BOOLEAN NOT NULL DEFAULT FALSE,
	ruleset_version TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_checkpoints (
	checkpoint_sequence INTEGER PRIMARY KEY,
	checkpoint_hash TEXT NOT NULL,
	entries_count INTEGER NOT NULL,
	verified_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	actor_id TEXT,
	resource TEXT,
	detail TEXT,
	created_at TIMESTAMP NOT NULL
);
`
