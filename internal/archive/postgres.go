package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"booklib/internal/catalog"
)

const (
	migrationLockID = 482913077
	defaultListSize = 50
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("archive: DB_URL is required for the postgres provider")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Serialise schema creation between several clients sharing one database.
	var acquired bool
	if err := s.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, migrationLockID).Scan(&acquired); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !acquired {
		time.Sleep(2 * time.Second)
		return nil
	}
	defer func() {
		_, _ = s.db.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id UUID PRIMARY KEY,
			document_id TEXT NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			mode TEXT NOT NULL,
			failed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_turns_document_idx
			ON conversation_turns (document_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate archive: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, turn Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, document_id, role, text, mode, failed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		turn.ID, string(turn.DocumentID), string(turn.Role), turn.Text, string(turn.Mode), turn.Failed, turn.At)
	if err != nil {
		return fmt.Errorf("save turn for %s: %w", turn.DocumentID, err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, docID catalog.DocumentID, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultListSize
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, mode, failed, created_at FROM (
			SELECT id, role, text, mode, failed, created_at
			FROM conversation_turns
			WHERE document_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`,
		string(docID), limit)
	if err != nil {
		return nil, fmt.Errorf("list turns for %s: %w", docID, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		t := Turn{DocumentID: docID}
		var role, mode string
		if err := rows.Scan(&t.ID, &role, &t.Text, &mode, &t.Failed, &t.At); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		t.Mode = catalog.ResponseMode(mode)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, docID catalog.DocumentID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_turns WHERE document_id = $1`, string(docID)); err != nil {
		return fmt.Errorf("delete turns for %s: %w", docID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
