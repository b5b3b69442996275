package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on top of a single modernc.org/sqlite
// database, using the six tables the schema defines. WAL mode and a busy
// timeout are set on open so the persistence loop's batched writes don't
// contend with reads from handshake/admission paths.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (if needed) and opens the sqlite database at dsn, applying
// schema and pragmas.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worlds (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			is_public INTEGER NOT NULL,
			max_players INTEGER NOT NULL,
			generator_version INTEGER NOT NULL,
			registry_version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS world_members (
			world TEXT NOT NULL,
			user TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (world, user)
		)`,
		`CREATE TABLE IF NOT EXISTS world_bans (
			world TEXT NOT NULL,
			user TEXT NOT NULL,
			expires_at TEXT,
			PRIMARY KEY (world, user)
		)`,
		`CREATE TABLE IF NOT EXISTS world_sessions (
			world TEXT PRIMARY KEY,
			instance TEXT NOT NULL,
			url TEXT NOT NULL,
			status TEXT NOT NULL,
			participant_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TEXT,
			started_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS world_sections (
			world TEXT NOT NULL,
			section TEXT NOT NULL,
			version INTEGER NOT NULL,
			blocks BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (world, section)
		)`,
		`CREATE TABLE IF NOT EXISTS world_players (
			world TEXT NOT NULL,
			user TEXT NOT NULL,
			display_name TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			PRIMARY KEY (world, user)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) GetWorld(ctx context.Context, worldID string) (World, bool, error) {
	var w World
	var isPublic int
	var createdAt, updatedAt string
	row := s.db.QueryRowContext(ctx, `SELECT id, name, owner, is_public, max_players,
		generator_version, registry_version, created_at, updated_at
		FROM worlds WHERE id = ?`, worldID)
	err := row.Scan(&w.ID, &w.Name, &w.Owner, &isPublic, &w.MaxPlayers,
		&w.GeneratorVersion, &w.RegistryVersion, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return World{}, false, nil
	}
	if err != nil {
		return World{}, false, fmt.Errorf("get world: %w", err)
	}
	w.IsPublic = isPublic != 0
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return w, true, nil
}

func (s *SQLiteStore) CheckMember(ctx context.Context, worldID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM world_members WHERE world = ? AND user = ?`, worldID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) CheckBan(ctx context.Context, worldID, userID string) (bool, error) {
	var expiresAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM world_bans WHERE world = ? AND user = ?`, worldID, userID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check ban: %w", err)
	}
	if !expiresAt.Valid || expiresAt.String == "" {
		return true, nil // permanent ban
	}
	t, err := time.Parse(time.RFC3339, expiresAt.String)
	if err != nil {
		return true, nil
	}
	return time.Now().Before(t), nil
}

func (s *SQLiteStore) LoadSection(ctx context.Context, worldID, sectionID string) (SectionRecord, bool, error) {
	var rec SectionRecord
	rec.Section = sectionID
	err := s.db.QueryRowContext(ctx,
		`SELECT version, blocks FROM world_sections WHERE world = ? AND section = ?`,
		worldID, sectionID).Scan(&rec.Version, &rec.Blocks)
	if errors.Is(err, sql.ErrNoRows) {
		return SectionRecord{}, false, nil
	}
	if err != nil {
		return SectionRecord{}, false, fmt.Errorf("load section: %w", err)
	}
	return rec, true, nil
}

// UpsertSections writes the given batch atomically: all rows commit or
// none do: each row is replaced atomically on conflict, and
// "whole batch fails" transient-error contract.
func (s *SQLiteStore) UpsertSections(ctx context.Context, worldID string, batch []SectionRecord) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert sections: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO world_sections (world, section, version, blocks, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(world, section) DO UPDATE SET
			version = excluded.version,
			blocks = excluded.blocks,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("upsert sections: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx, worldID, rec.Section, rec.Version, rec.Blocks, now); err != nil {
			return fmt.Errorf("upsert section %s: %w", rec.Section, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RegisterSession(ctx context.Context, worldID, instance, url string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_sessions (world, instance, url, status, participant_count, last_heartbeat, started_at)
		VALUES (?, ?, ?, 'online', 0, ?, ?)
		ON CONFLICT(world) DO UPDATE SET
			instance = excluded.instance,
			url = excluded.url,
			status = 'online',
			participant_count = 0,
			last_heartbeat = excluded.last_heartbeat,
			started_at = excluded.started_at`,
		worldID, instance, url, now, now)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, worldID string, participantCount int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET participant_count = ?, last_heartbeat = ? WHERE world = ?`,
		participantCount, now, worldID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSessionsOffline(ctx context.Context, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_sessions SET status = 'offline' WHERE instance = ?`, instance)
	if err != nil {
		return fmt.Errorf("mark sessions offline: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordJoin(ctx context.Context, worldID, userID, displayName string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO world_players (world, user, display_name, joined_at, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(world, user) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen = excluded.last_seen`,
		worldID, userID, displayName, now, now)
	if err != nil {
		return fmt.Errorf("record join: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordLeave(ctx context.Context, worldID, userID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`UPDATE world_players SET last_seen = ? WHERE world = ? AND user = ?`, now, worldID, userID)
	if err != nil {
		return fmt.Errorf("record leave: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM world_players WHERE user = ? ORDER BY last_seen DESC LIMIT 1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return fallbackDisplayName(userID), nil
	}
	if err != nil {
		return "", fmt.Errorf("display name: %w", err)
	}
	return name, nil
}

func fallbackDisplayName(userID string) string {
	if len(userID) > 8 {
		return "player-" + userID[:8]
	}
	return "player-" + userID
}

// KeySet satisfies the Store interface. The sqlite store keeps no key
// material of its own, so it always returns ErrNotFound.
func (s *SQLiteStore) KeySet(ctx context.Context) (KeySet, error) {
	return KeySet{}, ErrNotFound
}
