package store

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	filename TEXT,
	directory TEXT,
	total_bytes INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL,
	category TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	speed_limit INTEGER NOT NULL DEFAULT 0,
	referrer TEXT,
	user_agent TEXT,
	checksum TEXT,
	checksum_algo TEXT,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	error_message TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS segments (
	id TEXT PRIMARY KEY,
	download_id TEXT NOT NULL REFERENCES downloads(id),
	seg_index INTEGER NOT NULL,
	start_byte INTEGER NOT NULL,
	end_byte INTEGER NOT NULL,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	assigned_mirror_id TEXT,
	mirror_url TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_segments_download ON segments(download_id);

CREATE TABLE IF NOT EXISTS mirrors (
	id TEXT PRIMARY KEY,
	download_id TEXT NOT NULL REFERENCES downloads(id),
	url TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	is_healthy INTEGER NOT NULL DEFAULT 1,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	last_checked TIMESTAMP,
	error_message TEXT,
	UNIQUE(download_id, url)
);
CREATE INDEX IF NOT EXISTS idx_mirrors_download ON mirrors(download_id);

CREATE TABLE IF NOT EXISTS failover_events (
	id TEXT PRIMARY KEY,
	segment_id TEXT NOT NULL REFERENCES segments(id),
	old_mirror_id TEXT,
	new_mirror_id TEXT,
	old_url TEXT,
	new_url TEXT,
	reason TEXT,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failover_segment ON failover_events(segment_id);
`
