package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ent0n29/voicerelay/internal/migrations"
)

// SQLiteStore persists the journal in a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database at path and applies migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	// Pragmas ride on the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := migrations.Up(ctx, db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Recorders for concurrent calls share one writer.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int64, error) {
	return migrations.Version(ctx, s.db, migrations.DialectSQLite)
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sessionKey string, call CallMetadata) (string, error) {
	params, err := marshalParams(call.CustomParameters)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_sessions (id, session_key, call_sid, from_number, to_number, direction, custom_parameters, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		sessionKey,
		call.CallSID,
		call.From,
		call.To,
		call.Direction,
		string(params),
		formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn TurnRecord) error {
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
	var metaValue any
	if meta != nil {
		metaValue = string(meta)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, session_id, turn_number, role, content, metadata, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.SessionID,
		turn.Number,
		turn.Role,
		turn.Content,
		metaValue,
		turn.PIIRedacted,
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, turnPairs int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_sessions SET ended_at=?, turn_pairs=? WHERE id=?`,
		formatTime(time.Now()),
		turnPairs,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end session: %w", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		rec       SessionRecord
		params    string
		startedAt string
		endedAt   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_key, call_sid, from_number, to_number, direction, custom_parameters, turn_pairs, started_at, ended_at
		 FROM conversation_sessions WHERE id=?`,
		sessionID,
	).Scan(&rec.ID, &rec.SessionKey, &rec.Call.CallSID, &rec.Call.From, &rec.Call.To, &rec.Call.Direction,
		&params, &rec.TurnPairs, &startedAt, &endedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("query session: %w", err)
	}
	if rec.Call.CustomParameters, err = unmarshalParams([]byte(params)); err != nil {
		return SessionRecord{}, err
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return SessionRecord{}, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return SessionRecord{}, err
		}
		rec.EndedAt = &t
	}
	return rec, nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_number, role, content, metadata, pii_redacted, created_at
		 FROM conversation_turns WHERE session_id=? ORDER BY turn_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var (
			r         TurnRecord
			meta      sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Number, &r.Role, &r.Content, &meta, &r.PIIRedacted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		if meta.Valid {
			if r.Metadata, err = unmarshalMetadata([]byte(meta.String)); err != nil {
				return nil, err
			}
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}
