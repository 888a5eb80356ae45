// Package index maintains a small embedded SQLite database mapping frame
// sequences to bucket hashes and branches to head sequences. It is a
// derived cache over the JSON files pkg/persistence owns, never the source of
// truth. Rebuild repopulates it from the manifest; nothing calls it
// automatically (the `inspect reindex` command does). A space whose index
// fails to open runs without one rather than failing persistence.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/anima-research/connectome/internal/sqlitedriver"
	"github.com/anima-research/connectome/pkg/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	branch         TEXT    NOT NULL,
	start_sequence INTEGER NOT NULL,
	end_sequence   INTEGER NOT NULL,
	frame_count    INTEGER NOT NULL,
	hash           TEXT    NOT NULL,
	PRIMARY KEY (branch, start_sequence)
);
CREATE TABLE IF NOT EXISTS heads (
	branch TEXT PRIMARY KEY,
	head   INTEGER NOT NULL
);
`

// Index is the derived sequence -> bucket map.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: applying schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// RecordBucket upserts one bucket reference for branch.
func (ix *Index) RecordBucket(branch string, ref persistence.BucketRef) error {
	_, err := ix.db.Exec(`
		INSERT INTO buckets (branch, start_sequence, end_sequence, frame_count, hash)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (branch, start_sequence) DO UPDATE SET
			end_sequence = excluded.end_sequence,
			frame_count  = excluded.frame_count,
			hash         = excluded.hash`,
		branch, ref.StartSequence, ref.EndSequence, ref.FrameCount, ref.Hash)
	if err != nil {
		return fmt.Errorf("index: recording bucket %s: %w", ref.Hash, err)
	}
	return nil
}

// SetHead upserts branch's head sequence.
func (ix *Index) SetHead(branch string, seq uint64) error {
	_, err := ix.db.Exec(`
		INSERT INTO heads (branch, head) VALUES (?, ?)
		ON CONFLICT (branch) DO UPDATE SET head = excluded.head`,
		branch, seq)
	if err != nil {
		return fmt.Errorf("index: setting head for %s: %w", branch, err)
	}
	return nil
}

// Head returns branch's head sequence, or (0, false) when unknown.
func (ix *Index) Head(branch string) (uint64, bool, error) {
	var head uint64
	err := ix.db.QueryRow(`SELECT head FROM heads WHERE branch = ?`, branch).Scan(&head)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("index: reading head for %s: %w", branch, err)
	}
	return head, true, nil
}

// BucketForSequence returns the bucket reference covering seq on branch,
// or (zero, false) when seq is not in any indexed bucket.
func (ix *Index) BucketForSequence(branch string, seq uint64) (persistence.BucketRef, bool, error) {
	var ref persistence.BucketRef
	err := ix.db.QueryRow(`
		SELECT hash, start_sequence, end_sequence, frame_count
		FROM buckets
		WHERE branch = ? AND start_sequence <= ? AND end_sequence >= ?`,
		branch, seq, seq).Scan(&ref.Hash, &ref.StartSequence, &ref.EndSequence, &ref.FrameCount)
	if err == sql.ErrNoRows {
		return persistence.BucketRef{}, false, nil
	}
	if err != nil {
		return persistence.BucketRef{}, false, fmt.Errorf("index: looking up sequence %d: %w", seq, err)
	}
	return ref, true, nil
}

// Rebuild drops and repopulates the index from the manifest's branch
// metadata, the recovery path for a missing or out-of-sync index.
func (ix *Index) Rebuild(m *persistence.Manifest) error {
	tx, err := ix.db.Begin()
	if err != nil {
		return fmt.Errorf("index: beginning rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM buckets`); err != nil {
		return fmt.Errorf("index: clearing buckets: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM heads`); err != nil {
		return fmt.Errorf("index: clearing heads: %w", err)
	}
	for branch, bi := range m.Branches {
		if _, err := tx.Exec(`INSERT INTO heads (branch, head) VALUES (?, ?)`, branch, bi.Head); err != nil {
			return fmt.Errorf("index: rebuilding head for %s: %w", branch, err)
		}
		for _, ref := range bi.Buckets {
			if _, err := tx.Exec(`
				INSERT INTO buckets (branch, start_sequence, end_sequence, frame_count, hash)
				VALUES (?, ?, ?, ?, ?)`,
				branch, ref.StartSequence, ref.EndSequence, ref.FrameCount, ref.Hash); err != nil {
				return fmt.Errorf("index: rebuilding bucket %s: %w", ref.Hash, err)
			}
		}
	}
	return tx.Commit()
}
