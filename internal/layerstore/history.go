package layerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step outcomes recorded in build history.
const (
	OutcomeCached  = "cached"
	OutcomeBuilt   = "built"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Build outcomes.
const (
	BuildSucceeded = "success"
	BuildFailed    = "failure"
)

// Build is one row of build history.
type Build struct {
	ID          int64
	Recipe      string
	Backend     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string
	ImageDigest string
	Error       string
	Steps       []BuildStep
}

// BuildStep is the recorded outcome of one layer step.
type BuildStep struct {
	Step     string
	Stage    string
	Key      string
	Outcome  string
	Digest   string
	Inputs   map[string]string
	Duration time.Duration
}

// RecordBuild stores b and its steps in one transaction and returns its ID.
func (s *Store) RecordBuild(ctx context.Context, b Build) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO builds(recipe, backend, started_at, finished_at, outcome, image_digest, error) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		b.Recipe, b.Backend, formatTime(b.StartedAt), formatTime(b.FinishedAt), b.Outcome, b.ImageDigest, b.Error)
	if err != nil {
		return 0, fmt.Errorf("insert build: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, st := range b.Steps {
		var inputs []byte
		if len(st.Inputs) > 0 {
			if inputs, err = json.Marshal(st.Inputs); err != nil {
				return 0, err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO build_steps(build_id, seq, step, stage, key, outcome, digest, inputs, duration_ms) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, st.Step, st.Stage, st.Key, st.Outcome, st.Digest, string(inputs), st.Duration.Milliseconds()); err != nil {
			return 0, fmt.Errorf("insert build step %s: %w", st.Step, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// History returns up to limit builds, newest first, with their steps.
func (s *Store) History(ctx context.Context, limit int) ([]Build, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, recipe, backend, started_at, finished_at, outcome, COALESCE(image_digest, ''), COALESCE(error, '') FROM builds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var out []Build
	for rows.Next() {
		var (
			b                 Build
			started, finished string
		)
		if err := rows.Scan(&b.ID, &b.Recipe, &b.Backend, &started, &finished, &b.Outcome, &b.ImageDigest, &b.Error); err != nil {
			rows.Close()
			return nil, err
		}
		b.StartedAt = parseTime(started)
		b.FinishedAt = parseTime(finished)
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		steps, err := s.steps(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

// LastSuccessful returns the newest successful build of recipe made by
// backend.
func (s *Store) LastSuccessful(ctx context.Context, recipe, backend string) (Build, bool, error) {
	var (
		b                 Build
		started, finished string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, recipe, backend, started_at, finished_at, outcome, COALESCE(image_digest, ''), COALESCE(error, '') FROM builds WHERE recipe = ? AND backend = ? AND outcome = ? ORDER BY id DESC LIMIT 1`, recipe, backend, BuildSucceeded).
		Scan(&b.ID, &b.Recipe, &b.Backend, &started, &finished, &b.Outcome, &b.ImageDigest, &b.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Build{}, false, nil
	}
	if err != nil {
		return Build{}, false, err
	}
	b.StartedAt = parseTime(started)
	b.FinishedAt = parseTime(finished)
	if b.Steps, err = s.steps(ctx, b.ID); err != nil {
		return Build{}, false, err
	}
	return b, true, nil
}

func (s *Store) steps(ctx context.Context, buildID int64) ([]BuildStep, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step, stage, COALESCE(key, ''), outcome, COALESCE(digest, ''), COALESCE(inputs, ''), duration_ms FROM build_steps WHERE build_id = ? ORDER BY seq`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BuildStep
	for rows.Next() {
		var (
			st     BuildStep
			inputs string
			ms     int64
		)
		if err := rows.Scan(&st.Step, &st.Stage, &st.Key, &st.Outcome, &st.Digest, &inputs, &ms); err != nil {
			return nil, err
		}
		if inputs != "" {
			if err := json.Unmarshal([]byte(inputs), &st.Inputs); err != nil {
				return nil, fmt.Errorf("decode inputs of %s: %w", st.Step, err)
			}
		}
		st.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}
