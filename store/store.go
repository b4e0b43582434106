// Package store persists reading positions. The pagination engine itself
// never touches it, positions are handed off by the application layer.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/gosimple/slug"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"rdr/book"
	"rdr/bridge"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	book_key    TEXT PRIMARY KEY,
	window      INTEGER NOT NULL,
	page        INTEGER NOT NULL,
	chapter     INTEGER NOT NULL,
	char_offset INTEGER NOT NULL,
	updated_at  TEXT NOT NULL
);`

// BookKey derives a stable storage key from book identity.
func BookKey(info book.Info) string {
	return slug.Make(info.Title) + "-" + info.ID.String()
}

// Store keeps positions in a SQLite database. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	conn *sqlite.Conn
	log  *zap.Logger
}

func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate, sqlite.OpenWAL)
	if err != nil {
		return nil, fmt.Errorf("unable to open position database: %w", err)
	}
	if err := sqlitex.ExecuteTransient(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("unable to prepare position schema: %w", err)
	}
	return &Store{conn: conn, log: log.Named("store")}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Save upserts the position for a book.
func (s *Store) Save(bookKey string, pos bridge.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("position store is closed")
	}
	err := sqlitex.Execute(s.conn,
		`INSERT INTO positions (book_key, window, page, chapter, char_offset, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(book_key) DO UPDATE SET
			window = excluded.window,
			page = excluded.page,
			chapter = excluded.chapter,
			char_offset = excluded.char_offset,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{
			bookKey, pos.Window, pos.Page, pos.Chapter, pos.CharOffset,
			time.Now().UTC().Format(time.RFC3339),
		}})
	if err != nil {
		return fmt.Errorf("unable to save position for %s: %w", bookKey, err)
	}
	s.log.Debug("Position saved", zap.String("book", bookKey), zap.Int("chapter", pos.Chapter), zap.Int("offset", pos.CharOffset))
	return nil
}

// Load returns the stored position for a book; ok is false when the book
// has never been saved.
func (s *Store) Load(bookKey string) (pos bridge.Position, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return bridge.Position{}, false, fmt.Errorf("position store is closed")
	}
	err = sqlitex.Execute(s.conn,
		`SELECT window, page, chapter, char_offset FROM positions WHERE book_key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{bookKey},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pos.Window = int(stmt.ColumnInt64(0))
				pos.Page = int(stmt.ColumnInt64(1))
				pos.Chapter = int(stmt.ColumnInt64(2))
				pos.CharOffset = int(stmt.ColumnInt64(3))
				ok = true
				return nil
			},
		})
	if err != nil {
		return bridge.Position{}, false, fmt.Errorf("unable to load position for %s: %w", bookKey, err)
	}
	return pos, ok, nil
}
