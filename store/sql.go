package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-profile-insights/models"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore keeps one JSON document per identity in a SQL table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteStore opens (or creates) a sqlite database file at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, dialectSQLite)
}

// NewPostgresStore connects through the pgx database/sql driver.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newSQLStore(ctx, db, dialectPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_results (
		identity TEXT PRIMARY KEY,
		score INTEGER NOT NULL,
		payload TEXT NOT NULL,
		analyzed_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate results table: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, identity string) (*models.AnalysisResult, bool, error) {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return nil, false, err
	}

	var payload string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM analysis_results WHERE identity = ?`), identity).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query result %q: %w", identity, err)
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, false, fmt.Errorf("decode result %q: %w", identity, err)
	}
	return &result, true, nil
}

func (s *SQLStore) Put(ctx context.Context, identity string, result *models.AnalysisResult) error {
	identity, err := normalizeIdentity(identity)
	if err != nil {
		return err
	}
	if result == nil {
		return fmt.Errorf("store: nil result for %q", identity)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result %q: %w", identity, err)
	}

	query := s.rebind(`
	INSERT INTO analysis_results (identity, score, payload, analyzed_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (identity) DO UPDATE SET
		score = excluded.score,
		payload = excluded.payload,
		analyzed_at = excluded.analyzed_at,
		updated_at = excluded.updated_at`)
	_, err = s.db.ExecContext(ctx, query, identity, result.Score, string(payload), result.AnalyzedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert result %q: %w", identity, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
