package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Store manages the PostgreSQL connection backing the run ledger.
type Store struct {
	conn *pgx.Conn
}

// Run is one finished (or cancelled) matching run.
type Run struct {
	ID            uuid.UUID
	VideoID       string
	VideoPath     string
	TargetPath    string
	Target        []float32
	Threshold     float64
	TotalFrames   int
	MatchedFrames int
	Outcome       string
	OutputPath    string
	ArtifactURL   string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Accuracy is the matched share of frames as a percentage.
func (r Run) Accuracy() float64 {
	if r.TotalFrames == 0 {
		return 0
	}
	return float64(r.MatchedFrames) / float64(r.TotalFrames) * 100
}

// SimilarRun is a Run with the cosine distance between its target and a query.
type SimilarRun struct {
	Run
	Distance float64
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and vector extension if they don't exist.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS video_metadata (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS match_runs (
			id UUID PRIMARY KEY,
			video_id TEXT NOT NULL REFERENCES video_metadata(id),
			target_path TEXT NOT NULL,
			target_embedding VECTOR NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			total_frames INT NOT NULL,
			matched_frames INT NOT NULL,
			outcome TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			artifact_url TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS match_runs_video_id_idx ON match_runs (video_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordRun stores a run and its video in one transaction. A zero ID is
// replaced by a new random one, which is returned.
func (s *Store) RecordRun(ctx context.Context, run Run) (uuid.UUID, error) {
	if len(run.Target) == 0 {
		return uuid.Nil, errors.New("run has no target embedding")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO video_metadata (id, path, indexed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET indexed_at = NOW(), path = EXCLUDED.path
	`, run.VideoID, run.VideoPath); err != nil {
		return uuid.Nil, fmt.Errorf("register video: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO match_runs (id, video_id, target_path, target_embedding, threshold,
			total_frames, matched_frames, outcome, output_path, artifact_url, started_at, finished_at)
		VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.VideoID, run.TargetPath, pgvector.NewVector(run.Target), run.Threshold,
		run.TotalFrames, run.MatchedFrames, run.Outcome, run.OutputPath, run.ArtifactURL,
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert run: %w", err)
	}

	return run.ID, tx.Commit(ctx)
}

const runColumns = `r.id, r.video_id, v.path, r.target_path, r.target_embedding, r.threshold,
	r.total_frames, r.matched_frames, r.outcome, r.output_path, r.artifact_url, r.started_at, r.finished_at`

func scanRun(row pgx.Row, extra ...any) (Run, error) {
	var r Run
	var vec pgvector.Vector
	dest := append([]any{
		&r.ID, &r.VideoID, &r.VideoPath, &r.TargetPath, &vec, &r.Threshold,
		&r.TotalFrames, &r.MatchedFrames, &r.Outcome, &r.OutputPath, &r.ArtifactURL,
		&r.StartedAt, &r.FinishedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Run{}, err
	}
	r.Target = vec.Slice()
	return r, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + `
		FROM match_runs r JOIN video_metadata v ON v.id = r.video_id
		ORDER BY r.finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun fetches one run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+runColumns+`
		FROM match_runs r JOIN video_metadata v ON v.id = r.video_id
		WHERE r.id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	return r, err
}

// SimilarRuns finds earlier runs whose target is within maxDistance (cosine
// distance) of target, nearest first. Runs with a different embedding size
// are ignored.
func (s *Store) SimilarRuns(ctx context.Context, target []float32, maxDistance float64, limit int) ([]SimilarRun, error) {
	if limit <= 0 {
		limit = 10
	}
	vec := pgvector.NewVector(target)
	// <=> is the cosine distance operator in pgvector
	// The CASE keeps <=> away from vectors of another size, which would error
	rows, err := s.conn.Query(ctx, `SELECT * FROM (
			SELECT `+runColumns+`,
				CASE WHEN vector_dims(r.target_embedding) = $2
					THEN r.target_embedding <=> $1::vector END AS distance
			FROM match_runs r JOIN video_metadata v ON v.id = r.video_id
		) candidates
		WHERE distance < $3
		ORDER BY distance ASC
		LIMIT $4`, vec, len(target), maxDistance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SimilarRun
	for rows.Next() {
		var dist float64
		r, err := scanRun(rows, &dist)
		if err != nil {
			return nil, err
		}
		out = append(out, SimilarRun{Run: r, Distance: dist})
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS match_runs CASCADE;
		DROP TABLE IF EXISTS video_metadata CASCADE;
	`)
	return err
}
