package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"replywatch/internal/models"
)

// AppendRun inserts an immutable run record and returns it with its id and
// run number filled in. Runs are never updated or deleted.
func (s *Store) AppendRun(ctx context.Context, run models.Run) (models.Run, error) {
	layersJSON, err := json.Marshal(run.Layers)
	if err != nil {
		return models.Run{}, fmt.Errorf("marshal layer results: %w", err)
	}
	quorumJSON, err := json.Marshal(run.Quorum)
	if err != nil {
		return models.Run{}, fmt.Errorf("marshal quorum result: %w", err)
	}

	if run.ID == "" {
		run.ID = ulid.Make().String()
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO runs (id, job_id, run_number, started_at, finished_at, layers, quorum, outcome, error)
		SELECT $1, $2, COALESCE(MAX(run_number), 0) + 1, $3, $4, $5, $6, $7, $8
		FROM runs WHERE job_id = $2
		RETURNING run_number
	`, run.ID, run.JobID, run.StartedAt, run.FinishedAt, layersJSON, quorumJSON, run.Outcome, run.Error).
		Scan(&run.RunNumber)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// RunsForJob lists a job's runs in execution order.
func (s *Store) RunsForJob(ctx context.Context, jobID string) ([]models.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, run_number, started_at, finished_at, layers, quorum, outcome, error
		FROM runs WHERE job_id = $1 ORDER BY run_number
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var layersJSON, quorumJSON []byte
		if err := rows.Scan(&run.ID, &run.JobID, &run.RunNumber, &run.StartedAt, &run.FinishedAt,
			&layersJSON, &quorumJSON, &run.Outcome, &run.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal(layersJSON, &run.Layers); err != nil {
			return nil, fmt.Errorf("unmarshal layer results: %w", err)
		}
		if err := json.Unmarshal(quorumJSON, &run.Quorum); err != nil {
			return nil, fmt.Errorf("unmarshal quorum result: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
