package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const eventSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	version        INTEGER NOT NULL,
	type           TEXT NOT NULL,
	data           TEXT NOT NULL,
	metadata       TEXT NOT NULL DEFAULT '{}',
	occurred_at    TEXT NOT NULL,
	UNIQUE (aggregate_id, version)
);
`

const eventTimeLayout = "2006-01-02T15:04:05.000000000Z"

const eventColumns = `seq, id, aggregate_id, aggregate_type, version, type, data, metadata, occurred_at`

// SQLStore persists events in a SQLite table.
type SQLStore struct {
	db   *sql.DB
	now  func() time.Time
	subs subscribers
}

// OpenSQLStore opens (or creates) the event database at path.
func OpenSQLStore(ctx context.Context, path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow: open event store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, eventSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow: migrate event store %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("event store opened")
	return &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLStore) Append(ctx context.Context, aggregateID, aggregateType string, expectedVersion int, events []Event, meta Meta) ([]Record, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&current); err != nil {
		return nil, err
	}
	if expectedVersion != AnyVersion && expectedVersion != current {
		return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, aggregateID, current, expectedVersion)
	}
	recs, err := newRecords(aggregateID, aggregateType, current, events, meta, s.now())
	if err != nil {
		return nil, err
	}
	for i := range recs {
		metaJSON, err := json.Marshal(recs[i].Metadata)
		if err != nil {
			return nil, err
		}
		if recs[i].Metadata == nil {
			metaJSON = []byte("{}")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (id, aggregate_id, aggregate_type, version, type, data, metadata, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			recs[i].ID, recs[i].AggregateID, recs[i].AggregateType, recs[i].Version, recs[i].Type,
			string(recs[i].Data), string(metaJSON), recs[i].OccurredAt.UTC().Format(eventTimeLayout),
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return nil, fmt.Errorf("%w: %s: %v", ErrVersionConflict, aggregateID, err)
			}
			return nil, err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		recs[i].Seq = seq
	}
	s.subs.notify.Lock()
	if err := tx.Commit(); err != nil {
		s.subs.notify.Unlock()
		return nil, err
	}
	s.subs.deliver(recs)
	s.subs.notify.Unlock()
	return recs, nil
}

func (s *SQLStore) Load(ctx context.Context, aggregateID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *SQLStore) LoadSince(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *SQLStore) Subscribe(fn func(Record)) func() {
	return s.subs.add(fn)
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var (
			rec        Record
			data, meta string
			occurred   string
		)
		if err := rows.Scan(&rec.Seq, &rec.ID, &rec.AggregateID, &rec.AggregateType, &rec.Version,
			&rec.Type, &data, &meta, &occurred); err != nil {
			return nil, err
		}
		rec.Data = json.RawMessage(data)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("workflow: decode metadata seq=%d: %w", rec.Seq, err)
			}
		}
		t, err := time.Parse(eventTimeLayout, occurred)
		if err != nil {
			return nil, fmt.Errorf("workflow: decode occurred_at seq=%d: %w", rec.Seq, err)
		}
		rec.OccurredAt = t
		out = append(out, rec)
	}
	return out, rows.Err()
}
