package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oasisrun/agentplatform/pkg/models"

	_ "modernc.org/sqlite"
)

// sqliteDriver is the database/sql driver name registered for the default
// build. The cgo build (sqlite_cgo.go) overrides this to "sqlite3" so both
// drivers share every query below unchanged.
var sqliteDriver = "sqlite"

// SQLStore is the persistent Checkpoint Store, backed by two tables per
// two tables: `checkpoints(thread_id, snapshot_blob, sequence_number)` with
// append semantics, and a `writes` table reserved for the executor's
// intra-turn durability use (kept empty by this store; the executor
// writes to it directly during a turn and this store only ever reads the
// latest `checkpoints` row).
type SQLStore struct {
	db *sql.DB

	stmtMaxSeq     *sql.Stmt
	stmtInsert     *sql.Stmt
	stmtLoadLatest *sql.Stmt
	stmtListPrefix *sql.Stmt
	stmtDelete     *sql.Stmt
	stmtDeleteW    *sql.Stmt
}

// OpenSQLStore opens (creating if necessary) a SQLite-backed Checkpoint
// Store at path, using the pure-Go `modernc.org/sqlite` driver by default
// so the binary stays cgo-free and statically deployable.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer, per-thread serialization happens upstream.

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.prepare(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id       TEXT NOT NULL,
	sequence_number INTEGER NOT NULL,
	snapshot_blob   TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (thread_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id);

CREATE TABLE IF NOT EXISTS writes (
	thread_id  TEXT NOT NULL,
	write_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (thread_id, write_id)
);
`

func (s *SQLStore) prepare() error {
	var err error
	if s.stmtMaxSeq, err = s.db.Prepare(`SELECT COALESCE(MAX(sequence_number), 0) FROM checkpoints WHERE thread_id = ?`); err != nil {
		return err
	}
	if s.stmtInsert, err = s.db.Prepare(`INSERT INTO checkpoints (thread_id, sequence_number, snapshot_blob, updated_at) VALUES (?, ?, ?, ?)`); err != nil {
		return err
	}
	if s.stmtLoadLatest, err = s.db.Prepare(`SELECT sequence_number, snapshot_blob, updated_at FROM checkpoints WHERE thread_id = ? ORDER BY sequence_number DESC LIMIT 1`); err != nil {
		return err
	}
	if s.stmtListPrefix, err = s.db.Prepare(`SELECT DISTINCT thread_id FROM checkpoints WHERE thread_id LIKE ?`); err != nil {
		return err
	}
	if s.stmtDelete, err = s.db.Prepare(`DELETE FROM checkpoints WHERE thread_id = ?`); err != nil {
		return err
	}
	if s.stmtDeleteW, err = s.db.Prepare(`DELETE FROM writes WHERE thread_id = ?`); err != nil {
		return err
	}
	return nil
}

func likeEscape(prefix string) string {
	r := strings.NewReplacer("%", "\\%", "_", "\\_")
	return r.Replace(prefix) + "%"
}

func (s *SQLStore) nextSequence(ctx context.Context, tx *sql.Tx, threadID string) (int64, error) {
	var max int64
	if err := tx.StmtContext(ctx, s.stmtMaxSeq).QueryRowContext(ctx, threadID).Scan(&max); err != nil {
		return 0, fmt.Errorf("read max sequence: %w", err)
	}
	return max + 1, nil
}

func (s *SQLStore) insertSnapshot(ctx context.Context, threadID string, messages []models.ThreadMessage) (Snapshot, error) {
	blob, err := json.Marshal(messages)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := s.nextSequence(ctx, tx, threadID)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now().UTC()
	if _, err := tx.StmtContext(ctx, s.stmtInsert).ExecContext(ctx, threadID, seq, string(blob), now.Format(time.RFC3339Nano)); err != nil {
		return Snapshot{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit checkpoint: %w", err)
	}

	return Snapshot{ThreadID: threadID, Messages: messages, Sequence: seq, UpdatedAt: now}, nil
}

func (s *SQLStore) Save(ctx context.Context, threadID string, messages []models.ThreadMessage) (Snapshot, error) {
	return s.insertSnapshot(ctx, threadID, messages)
}

func (s *SQLStore) LoadLatest(ctx context.Context, threadID string) (Snapshot, error) {
	var seq int64
	var blob, updatedAt string
	err := s.stmtLoadLatest.QueryRowContext(ctx, threadID).Scan(&seq, &blob, &updatedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load latest checkpoint: %w", err)
	}
	var messages []models.ThreadMessage
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return Snapshot{ThreadID: threadID, Messages: messages, Sequence: seq, UpdatedAt: ts}, nil
}

func (s *SQLStore) Update(ctx context.Context, threadID string, extra []models.ThreadMessage) (Snapshot, error) {
	latest, err := s.LoadLatest(ctx, threadID)
	if err != nil && err != ErrNotFound {
		return Snapshot{}, err
	}
	merged := append(append([]models.ThreadMessage{}, latest.Messages...), extra...)
	return s.insertSnapshot(ctx, threadID, merged)
}

func (s *SQLStore) ListThreads(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.stmtListPrefix.QueryContext(ctx, likeEscape(prefix))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		if strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.StmtContext(ctx, s.stmtDelete).ExecContext(ctx, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := tx.StmtContext(ctx, s.stmtDeleteW).ExecContext(ctx, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeletePrefix(ctx context.Context, prefix string) error {
	threads, err := s.ListThreads(ctx, prefix)
	if err != nil {
		return err
	}
	for _, id := range threads {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
