// Package knowledge stores support articles in SQLite and answers
// free-text lookups against them through an FTS5 index.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown document id.
var ErrNotFound = errors.New("document not found")

// ErrInvalidDocument is returned by Add for a document missing its title
// or content.
var ErrInvalidDocument = errors.New("invalid document")

// Document is one searchable article.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category,omitempty"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists documents and their full-text index.
type Store struct {
	db *sql.DB

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

// Open opens or creates the knowledge database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate knowledge: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

	CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
		title,
		content,
		content=documents,
		content_rowid=rowid
	);

	CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
		INSERT INTO documents_fts(rowid, title, content) VALUES (new.rowid, new.title, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, title, content) VALUES ('delete', old.rowid, old.title, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
		INSERT INTO documents_fts(documents_fts, rowid, title, content) VALUES ('delete', old.rowid, old.title, old.content);
		INSERT INTO documents_fts(rowid, title, content) VALUES (new.rowid, new.title, new.content);
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Add inserts a document and returns it with its assigned id.
func (s *Store) Add(ctx context.Context, doc Document) (*Document, error) {
	doc.Title = strings.TrimSpace(doc.Title)
	doc.Content = strings.TrimSpace(doc.Content)
	if doc.Title == "" || doc.Content == "" {
		return nil, fmt.Errorf("%w: title and content are required", ErrInvalidDocument)
	}

	now := time.Now().UTC()
	doc.ID = s.newID()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, category, content, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Category, doc.Content, doc.Source,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return &doc, nil
}

// Get returns one document by id.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, category, content, source, created_at, updated_at
		 FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// List returns documents newest first. A limit of zero or less returns
// every document.
func (s *Store) List(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, category, content, source, created_at, updated_at
		 FROM documents ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// DeleteBySource removes every document ingested from source and
// reports how many were removed.
func (s *Store) DeleteBySource(ctx context.Context, source string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE source = ?`, source)
	if err != nil {
		return 0, fmt.Errorf("delete documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Search returns up to limit documents matching query, best match first.
// Queries are tokenized into an FTS5 OR expression ranked by bm25. When
// that yields nothing a case-insensitive substring match over title and
// content is tried instead.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	if expr := ftsExpression(query); expr != "" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT d.id, d.title, d.category, d.content, d.source, d.created_at, d.updated_at
			 FROM documents_fts f
			 JOIN documents d ON d.rowid = f.rowid
			 WHERE documents_fts MATCH ?
			 ORDER BY bm25(documents_fts, 2.0, 1.0)
			 LIMIT ?`, expr, limit)
		if err == nil {
			docs, err := scanDocuments(rows)
			rows.Close()
			if err == nil && len(docs) > 0 {
				return docs, nil
			}
		}
	}

	return s.searchLike(ctx, query, limit)
}

func (s *Store) searchLike(ctx context.Context, query string, limit int) ([]Document, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, category, content, source, created_at, updated_at
		 FROM documents
		 WHERE lower(title) LIKE ? ESCAPE '\' OR lower(content) LIKE ? ESCAPE '\'
		 ORDER BY created_at ASC
		 LIMIT ?`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ftsExpression turns free text into a quoted OR query so user input
// can never be parsed as FTS5 syntax.
func ftsExpression(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(words))
	var terms []string
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

var stopWords = map[string]bool{
	"an": true, "and": true, "are": true, "can": true, "do": true,
	"does": true, "for": true, "how": true, "is": true, "it": true,
	"me": true, "my": true, "of": true, "on": true, "or": true,
	"the": true, "to": true, "what": true, "with": true, "you": true,
	"your": true,
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (Document, error) {
	var d Document
	var created, updated string
	if err := row.Scan(&d.ID, &d.Title, &d.Category, &d.Content, &d.Source, &created, &updated); err != nil {
		return d, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return d, nil
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
