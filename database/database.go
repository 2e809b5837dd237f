// Package database stores the full-text index in SQLite using FTS4.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// Filename is the SQLite file inside the index directory.
const Filename = "index.db"

var ErrIndexNotFound = errors.New("index not found")

// Index is an open full-text index.
type Index struct {
	db  *sql.DB
	dir string
}

// Create makes dir if needed and opens a fresh index with an empty schema.
// An existing index in dir is kept; use Remove first for a clean rebuild.
func Create(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	ix, err := connect(dir)
	if err != nil {
		return nil, err
	}
	if err := ix.createTables(); err != nil {
		ix.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return ix, nil
}

// Open opens an existing index.
func Open(dir string) (*Index, error) {
	if _, err := os.Stat(filepath.Join(dir, Filename)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w in %s", ErrIndexNotFound, dir)
		}
		return nil, err
	}
	return connect(dir)
}

// Remove deletes the index database and its journal files from dir.
// Nothing else in dir is touched.
func Remove(dir string) error {
	base := filepath.Join(dir, Filename)
	for _, name := range []string{base, base + "-wal", base + "-shm", base + "-journal"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove index: %w", err)
		}
	}
	return nil
}

func connect(dir string) (*Index, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dir, Filename))
	if err != nil {
		return nil, fmt.Errorf("unable to open index: %w", err)
	}

	// ping the database to ensure we are connected.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping index: %w", err)
	}

	if _, err := db.Exec(`PRAGMA foreign_keys = ON ; PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to set pragma: %w", err)
	}
	return &Index{db: db, dir: dir}, nil
}

func (ix *Index) createTables() error {
	_, err := ix.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents(
		docid INTEGER NOT NULL PRIMARY KEY,
		identifier TEXT NOT NULL UNIQUE,
		filename TEXT NOT NULL,
		title TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	// FTS4 ships with the default go-sqlite3 build. The porter tokenizer
	// stems English words so "records" matches "record".
	_, err = ix.db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts4(
		identifier,
		filename,
		title,
		content,
		tokenize=porter
	)
	`)
	return err
}

// Dir returns the index directory.
func (ix *Index) Dir() string {
	return ix.dir
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Writer batches additions in a single transaction.
type Writer struct {
	tx *sql.Tx
}

// Writer starts a transaction. Call Commit or Rollback when done.
func (ix *Index) Writer(ctx context.Context) (*Writer, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Writer{tx: tx}, nil
}

// Add inserts e, replacing any entry with the same identifier.
func (w *Writer) Add(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("entry has no identifier")
	}

	res, err := w.tx.ExecContext(ctx,
		`INSERT INTO documents (identifier, filename, title) VALUES ($1, $2, $3)`,
		e.ID, e.Filename, e.Title)
	if err != nil {
		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) || sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique {
			return fmt.Errorf("error inserting %s: %w", e.ID, err)
		}
		if err := w.delete(ctx, e.ID); err != nil {
			return err
		}
		res, err = w.tx.ExecContext(ctx,
			`INSERT INTO documents (identifier, filename, title) VALUES ($1, $2, $3)`,
			e.ID, e.Filename, e.Title)
		if err != nil {
			return fmt.Errorf("error inserting %s: %w", e.ID, err)
		}
	}

	docid, err := res.LastInsertId()
	if err != nil {
		return err
	}

	_, err = w.tx.ExecContext(ctx,
		`INSERT INTO documents_fts (docid, identifier, filename, title, content) VALUES ($1, $2, $3, $4, $5)`,
		docid, e.ID, e.Filename, e.Title, e.Content)
	if err != nil {
		return fmt.Errorf("error indexing %s: %w", e.ID, err)
	}
	return nil
}

func (w *Writer) delete(ctx context.Context, id string) error {
	var docid int64
	err := w.tx.QueryRowContext(ctx, `SELECT docid FROM documents WHERE identifier = $1`, id).Scan(&docid)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", id, err)
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM documents_fts WHERE docid = $1`, docid); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM documents WHERE docid = $1`, docid); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (w *Writer) Commit() error {
	return w.tx.Commit()
}

func (w *Writer) Rollback() error {
	return w.tx.Rollback()
}

// AddDocument adds and commits a single entry.
func (ix *Index) AddDocument(ctx context.Context, e Entry) error {
	w, err := ix.Writer(ctx)
	if err != nil {
		return err
	}
	defer w.Rollback()

	if err := w.Add(ctx, e); err != nil {
		return err
	}
	return w.Commit()
}

// Count returns the number of indexed documents.
func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n)
	return n, err
}

// Search runs an FTS4 MATCH expression and returns page (1-based) of the
// hits ordered by title.
func (ix *Index) Search(ctx context.Context, match string, page, perPage int) (ResultPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	out := ResultPage{Page: page, PerPage: perPage, Results: []Result{}}

	err := ix.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents_fts WHERE documents_fts MATCH $1`, match).Scan(&out.Total)
	if err != nil {
		return out, fmt.Errorf("count matches: %w", err)
	}
	if out.Total == 0 {
		return out, nil
	}

	query := `SELECT d.identifier, d.filename, d.title,
		snippet(documents_fts, '<b>', '</b>', '...', 3, 32)
		FROM documents_fts JOIN documents d ON d.docid = documents_fts.docid
		WHERE documents_fts MATCH $1
		ORDER BY d.title, d.identifier LIMIT $2 OFFSET $3`

	rows, err := ix.db.QueryContext(ctx, query, match, perPage, (page-1)*perPage)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Filename, &r.Title, &r.Snippet); err != nil {
			return out, err
		}
		out.Results = append(out.Results, r)
	}
	return out, rows.Err()
}
