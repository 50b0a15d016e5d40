package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteGeneration struct {
	s    SQLiteStorage
	id   int64
	name string
}

var _ Storage = SQLiteStorage{}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	inMemory := filename == "" || filename == ":memory:"
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation_id, key)
		)`,
		"CREATE INDEX IF NOT EXISTS key_idx ON entries (key)",
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite storage: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO generations (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING",
		name, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	g := &sqliteGeneration{s: s, name: name}
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM generations WHERE name = ?", name).Scan(&g.id); err != nil {
		return nil, err
	}
	return g, nil
}

func (s SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM generations ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM generations WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s SQLiteStorage) Match(ctx context.Context, key string) (Entry, bool, error) {
	return s.scanEntry(s.db.QueryRowContext(ctx, `SELECT e.key, e.stored_at, e.bytes
		FROM entries e JOIN generations g ON g.id = e.generation_id
		WHERE e.key = ? ORDER BY g.id ASC LIMIT 1`, key))
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) scanEntry(row *sql.Row) (Entry, bool, error) {
	var entry Entry
	var storedAt int64
	err := row.Scan(&entry.Key, &storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	} else if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (g *sqliteGeneration) Name() string {
	return g.name
}

func (g *sqliteGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	return g.s.scanEntry(g.s.db.QueryRowContext(ctx,
		"SELECT key, stored_at, bytes FROM entries WHERE generation_id = ? AND key = ?", g.id, key))
}

func (g *sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *sqliteGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	tx, err := g.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM generations WHERE id = ?", g.id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrGenerationDeleted
	} else if err != nil {
		return err
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation_id, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			g.id, e.Key, e.StoredAt.UnixNano(), e.Bytes)
		if err != nil {
			return fmt.Errorf("store %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (g *sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.s.db.QueryContext(ctx, "SELECT key FROM entries WHERE generation_id = ? ORDER BY key ASC", g.id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (g *sqliteGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	result, err := g.s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation_id = ? AND key = ?", g.id, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
