package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE vertices (
				id TEXT PRIMARY KEY,
				visibility TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE properties (
				vertex_id TEXT NOT NULL REFERENCES vertices(id) ON DELETE CASCADE,
				key TEXT NOT NULL,
				name TEXT NOT NULL,
				visibility TEXT NOT NULL DEFAULT '',
				inline JSONB,
				stream BYTEA,
				ordinal BIGSERIAL,
				PRIMARY KEY (vertex_id, key, name)
			);

			CREATE INDEX idx_properties_vertex_name ON properties(vertex_id, name);
		`,
		2: `
			-- Track write times to find stale enrichment results
			ALTER TABLE properties
				ADD COLUMN updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW();
		`,
	}
}
