package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads provisioned profiles from the relay_profiles table.
// The pool is shared with the journal and owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Lookup(ctx context.Context, sessionKey string) (Profile, error) {
	key := strings.TrimSpace(sessionKey)
	var (
		p          Profile
		tools      []byte
		credential *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_key, system_prompt, greeting, voice, tools, openai_api_key
		 FROM relay_profiles WHERE session_key=$1`,
		key,
	).Scan(&p.SessionKey, &p.SystemPrompt, &p.Greeting, &p.Voice, &tools, &credential)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("query profile: %w", err)
	}
	if credential != nil {
		p.Credential = strings.TrimSpace(*credential)
	}
	p.Tools, err = NormalizeTools(tools)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %q: %w", key, err)
	}
	return p, nil
}

// Upsert provisions or replaces a profile. Tools are stored in normalized flat shape.
func (s *PostgresStore) Upsert(ctx context.Context, p Profile) error {
	tools, err := encodeTools(p.Tools)
	if err != nil {
		return err
	}
	var credential *string
	if c := strings.TrimSpace(p.Credential); c != "" {
		credential = &c
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO relay_profiles (session_key, system_prompt, greeting, voice, tools, openai_api_key, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (session_key) DO UPDATE SET
			system_prompt=EXCLUDED.system_prompt,
			greeting=EXCLUDED.greeting,
			voice=EXCLUDED.voice,
			tools=EXCLUDED.tools,
			openai_api_key=EXCLUDED.openai_api_key,
			updated_at=now()`,
		strings.TrimSpace(p.SessionKey), p.SystemPrompt, p.Greeting, p.Voice, tools, credential,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return nil }
