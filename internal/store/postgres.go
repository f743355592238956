package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/taleweave/internal/roleplay"
)

// PostgresStore persists roleplays in PostgreSQL. Every scene keeps all of its
// variants; scenes.current_variant_id selects the one that is shown.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS roleplays (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			scenario TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS scenes (
			id BIGSERIAL PRIMARY KEY,
			roleplay_id TEXT NOT NULL REFERENCES roleplays(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			generation_method TEXT NOT NULL,
			current_variant_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scenes_roleplay_sequence ON scenes (roleplay_id, sequence);`,
		`CREATE TABLE IF NOT EXISTS scene_variants (
			id BIGSERIAL PRIMARY KEY,
			scene_id BIGINT NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS characters (
			id BIGSERIAL PRIMARY KEY,
			roleplay_id TEXT NOT NULL REFERENCES roleplays(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			is_player BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_characters_one_player ON characters (roleplay_id) WHERE is_player;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateRoleplay(ctx context.Context, rp Roleplay) (Roleplay, error) {
	if rp.ID == "" {
		rp.ID = uuid.NewString()
	}
	if rp.CreatedAt.IsZero() {
		rp.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO roleplays (id, title, scenario, created_at) VALUES ($1, $2, $3, $4)`,
		rp.ID, rp.Title, rp.Scenario, rp.CreatedAt,
	)
	if err != nil {
		return Roleplay{}, fmt.Errorf("insert roleplay: %w", err)
	}
	return rp, nil
}

func (s *PostgresStore) GetRoleplay(ctx context.Context, id string) (Roleplay, error) {
	var rp Roleplay
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, scenario, created_at FROM roleplays WHERE id=$1`, id,
	).Scan(&rp.ID, &rp.Title, &rp.Scenario, &rp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Roleplay{}, ErrNotFound
	}
	if err != nil {
		return Roleplay{}, fmt.Errorf("get roleplay: %w", err)
	}
	return rp, nil
}

const turnColumns = `s.sequence, s.id, v.id, v.content, s.generation_method, s.created_at`

func (s *PostgresStore) ListTurns(ctx context.Context, roleplayID string) ([]roleplay.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+turnColumns+`
		 FROM scenes s JOIN scene_variants v ON v.id = s.current_variant_id
		 WHERE s.roleplay_id=$1 ORDER BY s.sequence ASC`,
		roleplayID,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []roleplay.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertTurn(ctx context.Context, roleplayID string, t NewTurn) (roleplay.Turn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return roleplay.Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	seq := t.Sequence
	if seq <= 0 {
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM scenes WHERE roleplay_id=$1`, roleplayID,
		).Scan(&seq); err != nil {
			return roleplay.Turn{}, fmt.Errorf("next sequence: %w", err)
		}
	}

	var sceneID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO scenes (roleplay_id, sequence, generation_method) VALUES ($1, $2, $3) RETURNING id`,
		roleplayID, seq, string(t.GenerationMethod),
	).Scan(&sceneID)
	if err != nil {
		return roleplay.Turn{}, fmt.Errorf("insert scene: %w", err)
	}
	if err := setVariant(ctx, tx, sceneID, t.Content); err != nil {
		return roleplay.Turn{}, err
	}
	turn, err := turnByScene(ctx, tx, roleplayID, sceneID)
	if err != nil {
		return roleplay.Turn{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return roleplay.Turn{}, fmt.Errorf("commit tx: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) AddVariant(ctx context.Context, roleplayID string, sceneID int64, content string) (roleplay.Turn, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return roleplay.Turn{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := turnByScene(ctx, tx, roleplayID, sceneID); err != nil {
		return roleplay.Turn{}, err
	}
	if err := setVariant(ctx, tx, sceneID, content); err != nil {
		return roleplay.Turn{}, err
	}
	turn, err := turnByScene(ctx, tx, roleplayID, sceneID)
	if err != nil {
		return roleplay.Turn{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return roleplay.Turn{}, fmt.Errorf("commit tx: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) UpdateTurnContent(ctx context.Context, roleplayID string, sceneID int64, content string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scene_variants v SET content=$3
		 FROM scenes s
		 WHERE s.id=$2 AND s.roleplay_id=$1 AND v.id = s.current_variant_id`,
		roleplayID, sceneID, content,
	)
	if err != nil {
		return fmt.Errorf("update turn content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTurnsFrom(ctx context.Context, roleplayID string, sequence int) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM scenes WHERE roleplay_id=$1 AND sequence >= $2`, roleplayID, sequence,
	); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCharacters(ctx context.Context, roleplayID string) ([]roleplay.Character, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, role, is_player, is_active FROM characters WHERE roleplay_id=$1 ORDER BY id ASC`,
		roleplayID,
	)
	if err != nil {
		return nil, fmt.Errorf("query characters: %w", err)
	}
	defer rows.Close()

	var out []roleplay.Character
	for rows.Next() {
		var c roleplay.Character
		if err := rows.Scan(&c.StoryCharacterID, &c.Name, &c.Role, &c.IsPlayer, &c.IsActive); err != nil {
			return nil, fmt.Errorf("scan character row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate character rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddCharacter(ctx context.Context, roleplayID string, c roleplay.Character) (roleplay.Character, error) {
	c.IsActive = true
	err := s.pool.QueryRow(ctx,
		`INSERT INTO characters (roleplay_id, name, role, is_player, is_active)
		 VALUES ($1, $2, $3, $4, TRUE) RETURNING id`,
		roleplayID, c.Name, c.Role, c.IsPlayer,
	).Scan(&c.StoryCharacterID)
	if err != nil {
		return roleplay.Character{}, fmt.Errorf("insert character: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetCharacterActive(ctx context.Context, roleplayID string, storyCharacterID int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE characters SET is_active=$3 WHERE roleplay_id=$1 AND id=$2`,
		roleplayID, storyCharacterID, active,
	)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func setVariant(ctx context.Context, tx pgx.Tx, sceneID int64, content string) error {
	var variantID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO scene_variants (scene_id, content) VALUES ($1, $2) RETURNING id`, sceneID, content,
	).Scan(&variantID); err != nil {
		return fmt.Errorf("insert variant: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE scenes SET current_variant_id=$2 WHERE id=$1`, sceneID, variantID,
	); err != nil {
		return fmt.Errorf("select variant: %w", err)
	}
	return nil
}

func turnByScene(ctx context.Context, tx pgx.Tx, roleplayID string, sceneID int64) (roleplay.Turn, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+turnColumns+`
		 FROM scenes s JOIN scene_variants v ON v.id = s.current_variant_id
		 WHERE s.roleplay_id=$1 AND s.id=$2`,
		roleplayID, sceneID,
	)
	t, err := scanTurn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return roleplay.Turn{}, ErrNotFound
	}
	if err != nil {
		return roleplay.Turn{}, fmt.Errorf("load scene %d: %w", sceneID, err)
	}
	return t, nil
}

func scanTurn(row pgx.Row) (roleplay.Turn, error) {
	var (
		t       roleplay.Turn
		method  string
		created time.Time
	)
	if err := row.Scan(&t.Sequence, &t.SceneID, &t.VariantID, &t.Content, &method, &created); err != nil {
		return roleplay.Turn{}, err
	}
	t.GenerationMethod = roleplay.GenerationMethod(method)
	t.CreatedAt = &created
	return t, nil
}
