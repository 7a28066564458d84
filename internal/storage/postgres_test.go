package storage

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallet-cluster-engine/internal/config"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/models"
	"github.com/wallet-cluster-engine/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "wallet_clusters",
		User:           "clusters",
		Password:       os.Getenv("POSTGRES_PASSWORD"),
		MaxConnections: 10,
	}
}

func setupPostgres(t *testing.T) *PostgresJobArchive {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	archive, err := OpenPostgresJobArchive(testContext(t), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(archive.Close)

	require.NoError(t, RunMigrations(cfg.URL(), "../../migrations/postgres"))
	return archive
}

func TestArchivePoolConfig(t *testing.T) {
	cfg := testPostgresConfig()
	cfg.MaxConnections = 0

	pc, err := archivePoolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(4), pc.MaxConns)
	assert.Equal(t, int32(0), pc.MinConns, "an idle archive holds no connections")
	assert.Equal(t, "wallet_clusters", pc.ConnConfig.Database)
	assert.Equal(t, "clusters", pc.ConnConfig.User)

	cfg.MaxConnections = 2
	pc, err = archivePoolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pc.MaxConns)
}

func TestPostgresJobArchive_Ping(t *testing.T) {
	archive := setupPostgres(t)
	assert.NoError(t, archive.Ping(testContext(t)))
}

func TestPostgresJobArchive_SaveGet(t *testing.T) {
	archive := setupPostgres(t)
	ctx := testContext(t)

	created := time.Now().UTC().Truncate(time.Millisecond)
	completed := created.Add(time.Second)
	job := &models.BatchJob{
		JobID:             uuid.NewString(),
		JobKey:            "3b2c",
		Status:            types.JobStatusCompleted,
		Progress:          100,
		Depth:             types.DepthShallow,
		IncludeRisk:       true,
		ValidAddresses:    []string{testAddr},
		InvalidAddresses:  []string{"0xnope"},
		ExcludedAddresses: map[string]string{testAddr: "insufficient data"},
		Processed:         1,
		Total:             1,
		CreatedAt:         created,
		StartedAt:         &created,
		CompletedAt:       &completed,
		Results:           &models.JobResults{Clusters: []models.ClusterResult{}, Unclustered: []string{}},
	}

	require.NoError(t, archive.Save(ctx, job))
	require.NoError(t, archive.Save(ctx, job), "save is an upsert")

	got, err := archive.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobKey, got.JobKey)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.ValidAddresses, got.ValidAddresses)
	assert.Equal(t, job.ExcludedAddresses, got.ExcludedAddresses)
	require.NotNil(t, got.Results)

	_, err = archive.Get(ctx, uuid.NewString())
	assert.True(t, apperrors.HasCategory(err, apperrors.CategoryNotFound))
}

func TestPostgresJobArchive_RejectsActiveJobs(t *testing.T) {
	archive := NewPostgresJobArchive(nil)
	err := archive.Save(testContext(t), &models.BatchJob{JobID: "j", Status: types.JobStatusProcessing})
	assert.True(t, apperrors.HasCategory(err, apperrors.CategoryConflict))
}
