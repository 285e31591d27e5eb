package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	content      TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	source_type  TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '{}',
	search_text  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash, source_type);
CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);
`

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const selectColumns = `id, title, content, content_hash, source_type, source_url, metadata, created_at, updated_at`

// Store persists documents in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
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
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	// one connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: migrate %s: %w", path, err)
	}
	if err := addSearchText(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("docstore: migrate %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("docstore opened")
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Put stores doc. Without an ID, an existing document with identical content and
// source type is returned instead and duplicate is true.
func (s *Store) Put(ctx context.Context, doc Document) (Document, bool, error) {
	if err := doc.normalize(); err != nil {
		return Document{}, false, err
	}
	meta, err := encodeMetadata(doc.Metadata)
	if err != nil {
		return Document{}, false, err
	}

	// duplicate lookup and insert run in one transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if doc.ID == "" {
		existing, err := findByHash(ctx, tx, doc.ContentHash, doc.SourceType)
		if err == nil {
			return existing, true, tx.Commit()
		}
		if !errors.Is(err, ErrNotFound) {
			return Document{}, false, err
		}
		doc.ID = uuid.NewString()
	}

	now := s.now().UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
INSERT INTO documents (id, title, content, content_hash, source_type, source_url, metadata, search_text, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	content = excluded.content,
	content_hash = excluded.content_hash,
	source_type = excluded.source_type,
	source_url = excluded.source_url,
	metadata = excluded.metadata,
	search_text = excluded.search_text,
	updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Content, doc.ContentHash, doc.SourceType, doc.SourceURL, meta,
		searchText(doc.Title, doc.Content), now, now,
	)
	if err != nil {
		return Document{}, false, fmt.Errorf("docstore: put %s: %w", doc.ID, err)
	}
	stored, err := getDocument(ctx, tx, doc.ID)
	if err != nil {
		return Document{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Document{}, false, fmt.Errorf("docstore: commit put %s: %w", doc.ID, err)
	}
	return stored, false, nil
}

// Get loads one document by id.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	return getDocument(ctx, s.db, id)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q querier, id string) (Document, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM documents WHERE id = ?`, strings.TrimSpace(id))
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, err
}

func findByHash(ctx context.Context, q querier, hash, sourceType string) (Document, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM documents WHERE content_hash = ? AND source_type = ? ORDER BY created_at LIMIT 1`,
		hash, sourceType,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return doc, err
}

// List returns documents newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Document, error) {
	opts = opts.normalized()
	query := `SELECT ` + selectColumns + ` FROM documents`
	args := make([]any, 0, 3)
	if opts.SourceType != "" {
		query += ` WHERE source_type = ?`
		args = append(args, opts.SourceType)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return s.queryDocuments(ctx, query, args...)
}

// Search matches query as a case-insensitive substring of title or content.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", ErrInvalidDocument)
	}
	limit = ListOptions{Limit: limit}.normalized().Limit
	// SQLite's lower() only folds ASCII, so matching runs against text folded
	// in Go at write time.
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.queryDocuments(ctx, `SELECT `+selectColumns+` FROM documents
WHERE search_text LIKE ? ESCAPE '\'
ORDER BY created_at DESC, id LIMIT ?`, pattern, limit)
}

// Delete removes one document.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("docstore: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Stats counts documents per source type.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM documents GROUP BY source_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("docstore: stats: %w", err)
	}
	defer rows.Close()
	out := Stats{BySourceType: make(map[string]int)}
	for rows.Next() {
		var sourceType string
		var n int
		if err := rows.Scan(&sourceType, &n); err != nil {
			return Stats{}, err
		}
		out.BySourceType[sourceType] = n
		out.Total += n
	}
	return out, rows.Err()
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore: query: %w", err)
	}
	defer rows.Close()
	out := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var (
		doc                  Document
		meta                 string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&doc.ID, &doc.Title, &doc.Content, &doc.ContentHash, &doc.SourceType,
		&doc.SourceURL, &meta, &createdAt, &updatedAt,
	); err != nil {
		return Document{}, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
			return Document{}, fmt.Errorf("docstore: decode metadata %s: %w", doc.ID, err)
		}
	}
	var err error
	if doc.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Document{}, fmt.Errorf("docstore: decode created_at %s: %w", doc.ID, err)
	}
	if doc.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Document{}, fmt.Errorf("docstore: decode updated_at %s: %w", doc.ID, err)
	}
	return doc, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("%w: metadata: %v", ErrInvalidDocument, err)
	}
	return string(raw), nil
}

// searchText is the case-folded text Search matches against.
func searchText(title, content string) string {
	return strings.ToLower(title + "\n" + content)
}

// addSearchText upgrades databases created before search_text existed and
// backfills the folded text for their rows.
func addSearchText(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('documents')`)
	if err != nil {
		return err
	}
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if name == "search_text" {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	if found {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `ALTER TABLE documents ADD COLUMN search_text TEXT NOT NULL DEFAULT ''`); err != nil {
		return err
	}
	type pending struct{ id, text string }
	var backfill []pending
	existing, err := tx.QueryContext(ctx, `SELECT id, title, content FROM documents`)
	if err != nil {
		return err
	}
	for existing.Next() {
		var id, title, content string
		if err := existing.Scan(&id, &title, &content); err != nil {
			existing.Close()
			return err
		}
		backfill = append(backfill, pending{id: id, text: searchText(title, content)})
	}
	if err := existing.Err(); err != nil {
		existing.Close()
		return err
	}
	existing.Close()
	for _, p := range backfill {
		if _, err := tx.ExecContext(ctx, `UPDATE documents SET search_text = ? WHERE id = ?`, p.text, p.id); err != nil {
			return err
		}
	}
	log.Info().Int("documents", len(backfill)).Msg("docstore search_text backfilled")
	return tx.Commit()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
