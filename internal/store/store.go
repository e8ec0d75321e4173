// Package store implements C8, PersistenceStore: transactional CRUD for
// downloads, segments, mirrors, and failover events against a pure-Go
// SQLite database. It is the engine's single source of truth —
// in-memory state is a cache, reconstructible from here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/segfetch/segfetch/internal/model"
)

// Store wraps a SQLite database implementing the §6 schema.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the SQLite database at path and runs
// its migration, a single CREATE TABLE IF NOT EXISTS pass.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; the engine already
	// serializes per-download mutation above this layer (§5), so a
	// single connection avoids SQLITE_BUSY under concurrent segments.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertDownload persists a newly admitted Download.
func (s *Store) InsertDownload(ctx context.Context, d model.Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, url, filename, directory, total_bytes, downloaded_bytes,
			status, category, priority, speed_limit, referrer, user_agent, checksum,
			checksum_algo, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.URL, d.Filename, d.Directory, d.TotalBytes, d.DownloadedBytes,
		d.Status, d.Category, d.Priority, d.SpeedLimit, d.Referrer, d.UserAgent, d.Checksum,
		string(d.ChecksumAlgo), d.CreatedAt, d.RetryCount)
	if err != nil {
		return fmt.Errorf("store: insert download: %w", err)
	}
	return nil
}

// UpdateDownloadStatus transitions a download's status, optionally
// recording an error message.
func (s *Store) UpdateDownloadStatus(ctx context.Context, id string, status model.DownloadStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, error_message = ? WHERE id = ?`,
		status, errMsg, id)
	if err != nil {
		return fmt.Errorf("store: update download status: %w", err)
	}
	return nil
}

// UpdateDownloadStarted records the start timestamp and Downloading status.
func (s *Store) UpdateDownloadStarted(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, started_at = ? WHERE id = ?`,
		model.StatusDownloading, startedAt, id)
	return err
}

// UpdateDownloadTotalBytes persists the probed total length.
func (s *Store) UpdateDownloadTotalBytes(ctx context.Context, id string, total int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE downloads SET total_bytes = ? WHERE id = ?`, total, id)
	return err
}

// CompleteDownload records a successful finalize.
func (s *Store) CompleteDownload(ctx context.Context, id string, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ?, completed_at = ?, error_message = '' WHERE id = ?`,
		model.StatusCompleted, completedAt, id)
	return err
}

// GetIncompleteDownloads returns downloads whose status is Pending,
// Downloading, or Paused.
func (s *Store) GetIncompleteDownloads(ctx context.Context) ([]model.Download, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, filename, directory, total_bytes, downloaded_bytes, status, category,
			priority, speed_limit, referrer, user_agent, checksum, checksum_algo, created_at,
			retry_count FROM downloads WHERE status IN (?, ?, ?)`,
		model.StatusPending, model.StatusDownloading, model.StatusPaused)
	if err != nil {
		return nil, fmt.Errorf("store: query incomplete downloads: %w", err)
	}
	defer rows.Close()

	var out []model.Download
	for rows.Next() {
		var d model.Download
		var algo string
		if err := rows.Scan(&d.ID, &d.URL, &d.Filename, &d.Directory, &d.TotalBytes, &d.DownloadedBytes,
			&d.Status, &d.Category, &d.Priority, &d.SpeedLimit, &d.Referrer, &d.UserAgent, &d.Checksum,
			&algo, &d.CreatedAt, &d.RetryCount); err != nil {
			return nil, fmt.Errorf("store: scan download: %w", err)
		}
		d.ChecksumAlgo = model.ChecksumAlgo(algo)
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDownload returns a download with its segments and mirrors.
func (s *Store) GetDownload(ctx context.Context, id string) (model.Download, []model.Segment, []model.Mirror, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, filename, directory, total_bytes, downloaded_bytes, status, category,
			priority, speed_limit, referrer, user_agent, checksum, checksum_algo, created_at,
			retry_count FROM downloads WHERE id = ?`, id)

	var d model.Download
	var algo string
	if err := row.Scan(&d.ID, &d.URL, &d.Filename, &d.Directory, &d.TotalBytes, &d.DownloadedBytes,
		&d.Status, &d.Category, &d.Priority, &d.SpeedLimit, &d.Referrer, &d.UserAgent, &d.Checksum,
		&algo, &d.CreatedAt, &d.RetryCount); err != nil {
		return model.Download{}, nil, nil, fmt.Errorf("store: get download %s: %w", id, err)
	}
	d.ChecksumAlgo = model.ChecksumAlgo(algo)

	segments, err := s.getSegments(ctx, id)
	if err != nil {
		return model.Download{}, nil, nil, err
	}

	mirrors, err := s.getMirrors(ctx, id)
	if err != nil {
		return model.Download{}, nil, nil, err
	}

	return d, segments, mirrors, nil
}

func (s *Store) getSegments(ctx context.Context, downloadID string) ([]model.Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, download_id, seg_index, start_byte, end_byte, downloaded_bytes, status,
			retry_count, assigned_mirror_id, mirror_url, error_message
		FROM segments WHERE download_id = ? ORDER BY seg_index`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("store: query segments: %w", err)
	}
	defer rows.Close()

	var out []model.Segment
	for rows.Next() {
		var seg model.Segment
		var mirrorID, mirrorURL sql.NullString
		if err := rows.Scan(&seg.ID, &seg.DownloadID, &seg.Index, &seg.Start, &seg.End,
			&seg.DownloadedBytes, &seg.Status, &seg.RetryCount, &mirrorID, &mirrorURL,
			&seg.LastError); err != nil {
			return nil, fmt.Errorf("store: scan segment: %w", err)
		}
		seg.AssignedMirrorID = mirrorID.String
		seg.MirrorURL = mirrorURL.String
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *Store) getMirrors(ctx context.Context, downloadID string) ([]model.Mirror, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, download_id, url, priority, is_healthy, response_time_ms, last_checked, error_message
		FROM mirrors WHERE download_id = ? ORDER BY priority`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("store: query mirrors: %w", err)
	}
	defer rows.Close()

	var out []model.Mirror
	for rows.Next() {
		var m model.Mirror
		var lastChecked sql.NullTime
		if err := rows.Scan(&m.ID, &m.DownloadID, &m.URL, &m.Priority, &m.Healthy,
			&m.ResponseTimeMS, &lastChecked, &m.LastErrorMessage); err != nil {
			return nil, fmt.Errorf("store: scan mirror: %w", err)
		}
		m.LastChecked = lastChecked.Time
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMirrors persists a download's mirror set.
func (s *Store) InsertMirrors(ctx context.Context, mirrors []model.Mirror) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert mirrors tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range mirrors {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO mirrors (id, download_id, url, priority, is_healthy, response_time_ms, last_checked, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.DownloadID, m.URL, m.Priority, m.Healthy, m.ResponseTimeMS, m.LastChecked, m.LastErrorMessage); err != nil {
			return fmt.Errorf("store: insert mirror: %w", err)
		}
	}

	return tx.Commit()
}

// UpsertSegment inserts or updates a single segment row.
func (s *Store) UpsertSegment(ctx context.Context, seg model.Segment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (id, download_id, seg_index, start_byte, end_byte, downloaded_bytes,
			status, retry_count, assigned_mirror_id, mirror_url, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			downloaded_bytes = excluded.downloaded_bytes,
			status = excluded.status,
			retry_count = excluded.retry_count,
			assigned_mirror_id = excluded.assigned_mirror_id,
			mirror_url = excluded.mirror_url,
			error_message = excluded.error_message`,
		seg.ID, seg.DownloadID, seg.Index, seg.Start, seg.End, seg.DownloadedBytes,
		seg.Status, seg.RetryCount, seg.AssignedMirrorID, seg.MirrorURL, seg.LastError)
	if err != nil {
		return fmt.Errorf("store: upsert segment: %w", err)
	}
	return nil
}

// PauseDownload atomically persists every segment's current downloaded
// byte count, recomputes the download's downloaded_bytes, and
// transitions the download to Paused — all in one transaction, per
// spec §5.
func (s *Store) PauseDownload(ctx context.Context, downloadID string, segments []model.Segment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin pause tx: %w", err)
	}
	defer tx.Rollback()

	var totalDownloaded int64
	for _, seg := range segments {
		status := seg.Status
		if seg.Complete() {
			status = model.SegmentCompleted
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE segments SET downloaded_bytes = ?, status = ? WHERE id = ?`,
			seg.DownloadedBytes, status, seg.ID); err != nil {
			return fmt.Errorf("store: pause update segment: %w", err)
		}
		totalDownloaded += seg.DownloadedBytes
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE downloads SET downloaded_bytes = ?, status = ? WHERE id = ?`,
		totalDownloaded, model.StatusPaused, downloadID); err != nil {
		return fmt.Errorf("store: pause update download: %w", err)
	}

	return tx.Commit()
}

// UpdateMirrorHealth persists one mirror's health-sweep result.
// Implements mirror.Store.
func (s *Store) UpdateMirrorHealth(ctx context.Context, m model.Mirror) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mirrors SET priority = ?, is_healthy = ?, response_time_ms = ?, last_checked = ?, error_message = ?
		WHERE id = ?`,
		m.Priority, m.Healthy, m.ResponseTimeMS, m.LastChecked, m.LastErrorMessage, m.ID)
	if err != nil {
		return fmt.Errorf("store: update mirror health: %w", err)
	}
	return nil
}

// RecordFailover atomically marks failedMirror unhealthy (when non-nil),
// reassigns segmentID to the new mirror, and appends the failover audit
// row, all in one transaction. Implements mirror.Store. failedMirror is
// nil when the segment had no prior mirror assignment to mark down.
func (s *Store) RecordFailover(ctx context.Context, failedMirror *model.Mirror, segmentID, newMirrorID, newURL string, ev model.FailoverEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin failover tx: %w", err)
	}
	defer tx.Rollback()

	if failedMirror != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE mirrors SET priority = ?, is_healthy = ?, response_time_ms = ?, last_checked = ?, error_message = ?
			WHERE id = ?`,
			failedMirror.Priority, failedMirror.Healthy, failedMirror.ResponseTimeMS, failedMirror.LastChecked, failedMirror.LastErrorMessage, failedMirror.ID); err != nil {
			return fmt.Errorf("store: failover mark mirror unhealthy: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE segments SET assigned_mirror_id = ?, mirror_url = ?, status = ? WHERE id = ?`,
		newMirrorID, newURL, model.SegmentPending, segmentID); err != nil {
		return fmt.Errorf("store: failover reset segment mirror: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO failover_events (id, segment_id, old_mirror_id, new_mirror_id, old_url, new_url, reason, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SegmentID, ev.OldMirrorID, ev.NewMirrorID, ev.OldURL, ev.NewURL, ev.Reason, ev.OccurredAt); err != nil {
		return fmt.Errorf("store: failover append event: %w", err)
	}

	return tx.Commit()
}

// DemoteDownloadingToPaused runs the startup recovery pass: any download
// found Downloading cannot have survived a clean shutdown and is
// demoted to Paused.
func (s *Store) DemoteDownloadingToPaused(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET status = ? WHERE status = ?`,
		model.StatusPaused, model.StatusDownloading)
	if err != nil {
		return fmt.Errorf("store: demote downloading to paused: %w", err)
	}
	return nil
}
