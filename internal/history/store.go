package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Entry is one recorded evaluation.
type Entry struct {
	ID         int64
	RunID      string
	At         time.Time
	Model      string
	Dataset    string
	InputType  string
	Metric     string
	Value      float64
	Iterations int
	Examples   int
	Checkpoint string
	GlobalStep int64
	Device     string
	Took       time.Duration
	Labels     map[string]string
}

// Store keeps evaluation results in a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	at TIMESTAMP NOT NULL,
	model TEXT NOT NULL,
	dataset TEXT NOT NULL,
	input_type TEXT NOT NULL,
	metric TEXT NOT NULL,
	value REAL,
	iterations INTEGER NOT NULL,
	examples INTEGER NOT NULL,
	checkpoint TEXT NOT NULL,
	global_step INTEGER NOT NULL DEFAULT 0,
	device TEXT NOT NULL,
	took_ns INTEGER NOT NULL,
	labels TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_evaluations_at ON evaluations(at);
`

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "open history database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping history database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize history database")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts e and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	labels, err := json.Marshal(e.Labels)
	if err != nil {
		return 0, errors.Wrap(err, "marshal labels")
	}
	if e.Labels == nil {
		labels = []byte("{}")
	}

	// SQLite has no NaN; it is stored as NULL.
	value := sql.NullFloat64{Float64: e.Value, Valid: !math.IsNaN(e.Value)}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (run_id, at, model, dataset, input_type, metric, value,
			iterations, examples, checkpoint, global_step, device, took_ns, labels)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.At.UTC(), e.Model, e.Dataset, e.InputType, e.Metric, value,
		e.Iterations, e.Examples, e.Checkpoint, e.GlobalStep, e.Device, int64(e.Took), string(labels))
	if err != nil {
		return 0, errors.Wrap(err, "insert evaluation")
	}
	return res.LastInsertId()
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, at, model, dataset, input_type, metric, value,
			iterations, examples, checkpoint, global_step, device, took_ns, labels
		FROM evaluations
		ORDER BY at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query evaluations")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			value  sql.NullFloat64
			tookNS int64
			labels string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.At, &e.Model, &e.Dataset, &e.InputType, &e.Metric, &value,
			&e.Iterations, &e.Examples, &e.Checkpoint, &e.GlobalStep, &e.Device, &tookNS, &labels); err != nil {
			return nil, errors.Wrap(err, "scan evaluation")
		}
		e.Value = math.NaN()
		if value.Valid {
			e.Value = value.Float64
		}
		e.Took = time.Duration(tookNS)
		if err := json.Unmarshal([]byte(labels), &e.Labels); err != nil {
			return nil, errors.Wrapf(err, "labels of evaluation %d", e.ID)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
