package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ent0n29/voicerelay/internal/migrations"
)

// PostgresStore persists the journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and brings the schema up to date.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres applies the relay schema through a database/sql view of pool.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if _, err := migrations.Up(ctx, db, migrations.DialectPostgres); err != nil {
		return err
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *PostgresStore) SchemaVersion(ctx context.Context) (int64, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return migrations.Version(ctx, db, migrations.DialectPostgres)
}

// Pool exposes the connection pool so other stores can share it.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) CreateSession(ctx context.Context, sessionKey string, call CallMetadata) (string, error) {
	params, err := marshalParams(call.CustomParameters)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (id, session_key, call_sid, from_number, to_number, direction, custom_parameters, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id,
		sessionKey,
		call.CallSID,
		call.From,
		call.To,
		call.Direction,
		params,
		time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn TurnRecord) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalMetadata(turn.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, session_id, turn_number, role, content, metadata, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		turn.ID,
		turn.SessionID,
		turn.Number,
		turn.Role,
		turn.Content,
		meta,
		turn.PIIRedacted,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, turnPairs int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions SET ended_at=$2, turn_pairs=$3 WHERE id=$1`,
		sessionID,
		time.Now().UTC(),
		turnPairs,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end session: %w", ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec    SessionRecord
		params []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_key, call_sid, from_number, to_number, direction, custom_parameters, turn_pairs, started_at, ended_at
		 FROM conversation_sessions WHERE id=$1`,
		sessionID,
	).Scan(&rec.ID, &rec.SessionKey, &rec.Call.CallSID, &rec.Call.From, &rec.Call.To, &rec.Call.Direction,
		&params, &rec.TurnPairs, &rec.StartedAt, &rec.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("query session: %w", err)
	}
	if rec.Call.CustomParameters, err = unmarshalParams(params); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, turn_number, role, content, metadata, pii_redacted, created_at
		 FROM conversation_turns WHERE session_id=$1 ORDER BY turn_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var (
			r    TurnRecord
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Number, &r.Role, &r.Content, &meta, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if r.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
