package postgresql

// migrations returns the schema migrations, keyed by version. There is a
// single canonical table per entity; the engine never probes alternates.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS flows (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL,
				is_standard BOOLEAN NOT NULL DEFAULT FALSE,
				owner_id TEXT NOT NULL DEFAULT '',
				nodes JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_flows_status
				ON flows (status) WHERE deleted_at IS NULL;

			CREATE TABLE IF NOT EXISTS memberships (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				contact_id TEXT NOT NULL,
				source TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				CONSTRAINT memberships_flow_contact_key UNIQUE (flow_id, contact_id)
			);

			CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				flow_id TEXT NOT NULL,
				contact_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node_id TEXT,
				available_at TIMESTAMP WITH TIME ZONE NOT NULL,
				context JSONB,
				claimed_by TEXT,
				claimed_at TIMESTAMP WITH TIME ZONE,
				failure_reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE UNIQUE INDEX IF NOT EXISTS runs_one_open_per_pair
				ON runs (flow_id, contact_id)
				WHERE status IN ('active', 'waiting_event');

			CREATE INDEX IF NOT EXISTS idx_runs_due
				ON runs (status, available_at);

			CREATE INDEX IF NOT EXISTS idx_runs_contact
				ON runs (contact_id);
		`,
	}
}
