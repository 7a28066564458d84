package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wallet-cluster-engine/internal/config"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

// JobArchive persists terminal batch jobs so results outlive the in-memory
// retention window.
type JobArchive interface {
	Save(ctx context.Context, job *models.BatchJob) error
	Get(ctx context.Context, jobID string) (*models.BatchJob, error)
}

// PostgresJobArchive stores terminal jobs in the cluster_jobs table
type PostgresJobArchive struct {
	pool *pgxpool.Pool
}

// archivePoolConfig sizes the pool for the archive's load: one upsert per
// terminal job and point reads by id, so a handful of connections suffices
// and none are held open while idle.
func archivePoolConfig(cfg *config.PostgresConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	poolConfig.MaxConns = int32(maxConns) // #nosec G115 - bounded by config validation
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	return poolConfig, nil
}

// OpenPostgresJobArchive connects to Postgres and verifies the connection
func OpenPostgresJobArchive(ctx context.Context, cfg *config.PostgresConfig) (*PostgresJobArchive, error) {
	poolConfig, err := archivePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return NewPostgresJobArchive(pool), nil
}

// NewPostgresJobArchive creates a job archive on an open pool
func NewPostgresJobArchive(pool *pgxpool.Pool) *PostgresJobArchive {
	return &PostgresJobArchive{pool: pool}
}

// Ping checks the connection; /health uses it
func (r *PostgresJobArchive) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool
func (r *PostgresJobArchive) Close() {
	r.pool.Close()
}

// Save upserts a terminal job
func (r *PostgresJobArchive) Save(ctx context.Context, job *models.BatchJob) error {
	if !job.Status.IsTerminal() {
		return apperrors.NewConflictError(fmt.Sprintf("job %s is still %s", job.JobID, job.Status))
	}

	addresses, err := json.Marshal(struct {
		Valid    []string          `json:"valid"`
		Invalid  []string          `json:"invalid"`
		Excluded map[string]string `json:"excluded,omitempty"`
	}{job.ValidAddresses, job.InvalidAddresses, job.ExcludedAddresses})
	if err != nil {
		return fmt.Errorf("failed to marshal job addresses: %w", err)
	}

	var results []byte
	if job.Results != nil {
		if results, err = json.Marshal(job.Results); err != nil {
			return fmt.Errorf("failed to marshal job results: %w", err)
		}
	}

	query := `
		INSERT INTO cluster_jobs (
			job_id, job_key, status, progress, depth, include_risk,
			addresses, processed, total, error, results,
			created_at, started_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			processed = EXCLUDED.processed,
			error = EXCLUDED.error,
			results = EXCLUDED.results,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.pool.Exec(ctx, query,
		job.JobID,
		job.JobKey,
		string(job.Status),
		job.Progress,
		string(job.Depth),
		job.IncludeRisk,
		addresses,
		job.Processed,
		job.Total,
		job.Error,
		results,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("save job", err)
	}
	return nil
}

// Get retrieves an archived job by ID
func (r *PostgresJobArchive) Get(ctx context.Context, jobID string) (*models.BatchJob, error) {
	query := `
		SELECT job_id, job_key, status, progress, depth, include_risk,
			   addresses, processed, total, error, results,
			   created_at, started_at, completed_at
		FROM cluster_jobs
		WHERE job_id = $1
	`

	var (
		job                    models.BatchJob
		status, depth          string
		addresses, results     []byte
		startedAt, completedAt *time.Time
		errorMsg               *string
	)

	err := r.pool.QueryRow(ctx, query, jobID).Scan(
		&job.JobID,
		&job.JobKey,
		&status,
		&job.Progress,
		&depth,
		&job.IncludeRisk,
		&addresses,
		&job.Processed,
		&job.Total,
		&errorMsg,
		&results,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("job", jobID)
		}
		return nil, apperrors.NewDatabaseError("get job", err)
	}

	job.Status = types.JobStatus(status)
	job.Depth = types.Depth(depth)
	job.Error = errorMsg
	job.StartedAt = startedAt
	job.CompletedAt = completedAt

	var addrs struct {
		Valid    []string          `json:"valid"`
		Invalid  []string          `json:"invalid"`
		Excluded map[string]string `json:"excluded"`
	}
	if err := json.Unmarshal(addresses, &addrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job addresses: %w", err)
	}
	job.ValidAddresses = addrs.Valid
	job.InvalidAddresses = addrs.Invalid
	job.ExcludedAddresses = addrs.Excluded

	if len(results) > 0 {
		var res models.JobResults
		if err := json.Unmarshal(results, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job results: %w", err)
		}
		job.Results = &res
	}

	return &job, nil
}
