package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const sqliteFileName = "shellcache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generations (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT    NOT NULL REFERENCES generations(id) ON DELETE CASCADE,
	key        TEXT    NOT NULL,
	payload    BLOB    NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);
CREATE TABLE IF NOT EXISTS sealed_generations (
	generation TEXT    PRIMARY KEY REFERENCES generations(id) ON DELETE CASCADE,
	sealed_at  INTEGER NOT NULL
);
`

// NewSQLiteStore 在 basePath/shellcache.db 打开 SQLite 缓存。
// pragma 通过 DSN 传入，保证连接池中的每个连接都生效。
func NewSQLiteStore(basePath string, codec Codec) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if codec == nil {
		codec = msgpackCodec{}
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)",
		filepath.Join(abs, sqliteFileName),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	return &sqliteStore{db: db, codec: codec}, nil
}

type sqliteStore struct {
	db    *sql.DB
	codec Codec
}

type sqliteGeneration struct {
	store *sqliteStore
	id    string
}

func (s *sqliteStore) Open(ctx context.Context, generationID string) (Generation, error) {
	if err := ValidateGenerationID(generationID); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		generationID, time.Now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite open generation: %w", err)
	}
	return &sqliteGeneration{store: s, id: generationID}, nil
}

func (s *sqliteStore) Lookup(ctx context.Context, generationID string) (Generation, error) {
	if err := ValidateGenerationID(generationID); err != nil {
		return nil, err
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM generations WHERE id = ?`, generationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite lookup generation: %w", err)
	}
	return &sqliteGeneration{store: s, id: id}, nil
}

func (s *sqliteStore) Seal(ctx context.Context, generationID string) error {
	if err := ValidateGenerationID(generationID); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sealed_generations (generation, sealed_at)
SELECT ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE id = ?)
ON CONFLICT(generation) DO UPDATE SET sealed_at = excluded.sealed_at`,
		generationID, time.Now().UnixNano(), generationID,
	)
	if err != nil {
		return fmt.Errorf("sqlite seal generation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, generationID)
	}
	return nil
}

func (s *sqliteStore) Sealed(ctx context.Context, generationID string) (bool, error) {
	if err := ValidateGenerationID(generationID); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sealed_generations WHERE generation = ?`, generationID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM generations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) DeleteGeneration(ctx context.Context, generationID string) error {
	if err := ValidateGenerationID(generationID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, generationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sealed_generations WHERE generation = ?`, generationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE id = ?`, generationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (g *sqliteGeneration) ID() string {
	return g.id
}

func (g *sqliteGeneration) Get(ctx context.Context, key Key) (*Entry, error) {
	var payload []byte
	err := g.store.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE generation = ? AND key = ?`,
		g.id, key.String(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_, entry, err := g.store.codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (g *sqliteGeneration) Put(ctx context.Context, key Key, entry Entry) error {
	if !key.Cacheable() {
		return fmt.Errorf("%w: %s", ErrNotCacheable, key)
	}
	payload, err := g.store.codec.Encode(key, entry)
	if err != nil {
		return err
	}
	// 仅当代仍存在时写入，避免回收后的迟到写入复活旧代。
	res, err := g.store.db.ExecContext(ctx, `
INSERT INTO entries (generation, key, payload, stored_at)
SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE id = ?)
ON CONFLICT(generation, key) DO UPDATE SET payload = excluded.payload, stored_at = excluded.stored_at`,
		g.id, key.String(), payload, entry.StoredAt.UnixNano(), g.id,
	)
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrGenerationGone, g.id)
	}
	return nil
}

func (g *sqliteGeneration) Delete(ctx context.Context, key Key) error {
	_, err := g.store.db.ExecContext(ctx,
		`DELETE FROM entries WHERE generation = ? AND key = ?`, g.id, key.String())
	return err
}
