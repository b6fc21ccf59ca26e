package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yangwenmai/readaloud/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ RunReader     = (*Store)(nil)
	_ RunWriter     = (*Store)(nil)
	_ RunMaintainer = (*Store)(nil)
	_ ArtifactStore = (*Store)(nil)
)

// Store provides data access to the SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	// Ensure the schema_version table exists.
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		// Fresh database: initialize to version 0.
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// migrations is an ordered list of migration functions.
	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: initial schema
		s.migrateV2, // v1 → v2: index runs for pruning
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the initial schema (v0 → v1).
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		url         TEXT NOT NULL,
		article_id  TEXT NOT NULL,
		stage       TEXT NOT NULL,
		error_info  TEXT,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_article ON runs(article_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS artifacts (
		id            TEXT PRIMARY KEY,
		article_id    TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		payload       TEXT NOT NULL,
		created_by    TEXT NOT NULL,
		created_at    TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_unique ON artifacts(article_id, artifact_type);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 adds the index used by PruneRuns (v1 → v2).
func (s *Store) migrateV2() error {
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage, updated_at)`)
	return err
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run model.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, url, article_id, stage, error_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.URL, run.ArticleID, run.Stage, run.ErrorInfo, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

// GetRun returns a run together with the artifacts stored for its article.
func (s *Store) GetRun(ctx context.Context, id string) (*model.RunWithArtifacts, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, url, article_id, stage, error_info, created_at, updated_at FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	artifacts, err := s.ListArtifacts(ctx, run.ArticleID)
	if err != nil {
		return nil, err
	}
	return &model.RunWithArtifacts{Run: *run, Artifacts: artifacts}, nil
}

// UpdateRunStage changes the stage of a run and records its failure info.
func (s *Store) UpdateRunStage(ctx context.Context, id, stage string, errorInfo *string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET stage = ?, error_info = COALESCE(?, error_info), updated_at = ? WHERE id = ?`, stage, errorInfo, now, id)
	return err
}

// SupersedeStaleRuns marks every run that was still in flight as superseded.
// It is called at startup: in-flight work does not survive a restart.
func (s *Store) SupersedeStaleRuns(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, updated_at = ? WHERE stage NOT IN (?, ?)`,
		model.StageSuperseded, now, model.StageSettled, model.StageSuperseded,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneRuns deletes terminal runs last updated before the given time.
// Artifacts are kept: they are keyed by article, not by run.
func (s *Store) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE stage IN (?, ?) AND updated_at < ?`,
		model.StageSettled, model.StageSuperseded, before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// UpsertArtifact inserts or replaces an artifact (one per article per type).
func (s *Store) UpsertArtifact(ctx context.Context, a model.Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, article_id, artifact_type, payload, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(article_id, artifact_type) DO UPDATE SET
			id = excluded.id,
			payload = excluded.payload,
			created_by = excluded.created_by,
			created_at = excluded.created_at`,
		a.ID, a.ArticleID, a.ArtifactType, a.Payload, a.CreatedBy, a.CreatedAt,
	)
	return err
}

// GetArtifact returns one artifact of an article.
func (s *Store) GetArtifact(ctx context.Context, articleID, artifactType string) (*model.Artifact, error) {
	var a model.Artifact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, article_id, artifact_type, payload, created_by, created_at FROM artifacts WHERE article_id = ? AND artifact_type = ?`,
		articleID, artifactType,
	).Scan(&a.ID, &a.ArticleID, &a.ArtifactType, &a.Payload, &a.CreatedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtifacts returns all artifacts of an article, oldest first.
func (s *Store) ListArtifacts(ctx context.Context, articleID string) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, article_id, artifact_type, payload, created_by, created_at FROM artifacts WHERE article_id = ? ORDER BY created_at ASC, artifact_type ASC`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var artifacts []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.ArticleID, &a.ArtifactType, &a.Payload, &a.CreatedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.Run, error) {
	var run model.Run
	err := row.Scan(&run.ID, &run.URL, &run.ArticleID, &run.Stage, &run.ErrorInfo, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
