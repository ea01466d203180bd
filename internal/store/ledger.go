package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ibeckermayer/threadmirror/internal/types"

	_ "modernc.org/sqlite"
)

// lookupBatch keeps IN lists well under SQLite's variable limit
const lookupBatch = 500

// Ledger records which posts each destination has received
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens or creates the ledger database at dbPath
func OpenLedger(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// destinations record concurrently; SQLite wants a single writer
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}

	return l, nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		platform TEXT NOT NULL,
		post_url TEXT NOT NULL,
		root_uri TEXT NOT NULL,
		root_cid TEXT NOT NULL,
		last_uri TEXT NOT NULL,
		last_cid TEXT NOT NULL,
		delivered_at DATETIME NOT NULL,
		PRIMARY KEY (platform, post_url)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_delivered_at ON deliveries(delivered_at);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Record inserts or replaces the delivery of a post to a platform
func (l *Ledger) Record(ctx context.Context, d types.Delivery) error {
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO deliveries (platform, post_url, root_uri, root_cid, last_uri, last_cid, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(platform, post_url) DO UPDATE SET
			root_uri = excluded.root_uri,
			root_cid = excluded.root_cid,
			last_uri = excluded.last_uri,
			last_cid = excluded.last_cid,
			delivered_at = excluded.delivered_at
	`, d.Platform, d.PostURL, d.Root.URI, d.Root.CID, d.Last.URI, d.Last.CID, d.DeliveredAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery of %s to %s: %w", d.PostURL, d.Platform, err)
	}
	return nil
}

// Lookup returns the deliveries to platform among postURLs, keyed by URL
func (l *Ledger) Lookup(ctx context.Context, platform string, postURLs []string) (map[string]types.Delivery, error) {
	out := make(map[string]types.Delivery)

	for start := 0; start < len(postURLs); start += lookupBatch {
		batch := postURLs[start:min(start+lookupBatch, len(postURLs))]

		args := make([]any, 0, len(batch)+1)
		args = append(args, platform)
		for _, u := range batch {
			args = append(args, u)
		}

		rows, err := l.db.QueryContext(ctx, `
			SELECT platform, post_url, root_uri, root_cid, last_uri, last_cid, delivered_at
			FROM deliveries
			WHERE platform = ? AND post_url IN (`+placeholders(len(batch))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query deliveries: %w", err)
		}

		found, err := scanDeliveries(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		for _, d := range found {
			out[d.PostURL] = d
		}
	}

	return out, nil
}

// Deliveries lists every delivery to platform, newest first
func (l *Ledger) Deliveries(ctx context.Context, platform string, limit int) ([]types.Delivery, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT platform, post_url, root_uri, root_cid, last_uri, last_cid, delivered_at
		FROM deliveries
		WHERE platform = ?
		ORDER BY delivered_at DESC
		LIMIT ?
	`, platform, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

// Forget removes every delivery to platform, so its posts are published again
func (l *Ledger) Forget(ctx context.Context, platform string) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM deliveries WHERE platform = ?`, platform)
	if err != nil {
		return 0, fmt.Errorf("failed to forget deliveries to %s: %w", platform, err)
	}
	return res.RowsAffected()
}

func scanDeliveries(rows *sql.Rows) ([]types.Delivery, error) {
	var out []types.Delivery
	for rows.Next() {
		var d types.Delivery
		err := rows.Scan(
			&d.Platform, &d.PostURL,
			&d.Root.URI, &d.Root.CID,
			&d.Last.URI, &d.Last.CID,
			&d.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
