package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/wallet-cluster-engine/internal/config"
	"github.com/wallet-cluster-engine/internal/logging"
)

// StatementExecer runs one SQL statement
type StatementExecer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHouseMigrator is a single-connection session for schema changes on
// the transaction table. DDL can run long, so statements get a generous
// execution limit.
type ClickHouseMigrator struct {
	conn driver.Conn
}

// OpenClickHouseMigrator connects for running migrations
func OpenClickHouseMigrator(ctx context.Context, cfg *config.ClickHouseConfig) (*ClickHouseMigrator, error) {
	conn, err := openClickHouse(ctx, cfg, clickHousePool{
		maxOpen:      1,
		maxIdle:      1,
		maxExecution: 10 * time.Minute,
	})
	if err != nil {
		return nil, err
	}
	return &ClickHouseMigrator{conn: conn}, nil
}

// Exec runs one statement
func (m *ClickHouseMigrator) Exec(ctx context.Context, query string, args ...interface{}) error {
	return m.conn.Exec(ctx, query, args...)
}

// Close releases the connection
func (m *ClickHouseMigrator) Close() error {
	return m.conn.Close()
}

// RunClickHouseMigrations applies every .sql file in migrationsPath in name
// order and returns how many statements ran. Statements are expected to be
// idempotent (CREATE ... IF NOT EXISTS), so reruns are safe.
func RunClickHouseMigrations(ctx context.Context, db StatementExecer, migrationsPath string) (int, error) {
	logger := logging.FromContext(ctx).WithComponent("clickhouse_migrate")

	files, err := filepath.Glob(filepath.Join(migrationsPath, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("invalid migrations path: %w", err)
	}
	if _, err := os.Stat(migrationsPath); err != nil {
		return 0, fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Strings(files)
	if len(files) == 0 {
		logger.WithField("path", migrationsPath).Info("No migration files found")
		return 0, nil
	}

	applied := 0
	for _, file := range files {
		name := filepath.Base(file)
		content, err := os.ReadFile(file) // #nosec G304 - file comes from the operator-supplied migrations path
		if err != nil {
			return applied, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		for i, stmt := range splitSQLStatements(string(content)) {
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := db.Exec(ctx, stmt); err != nil {
				logger.WithError(err).WithFields(map[string]interface{}{
					"file":      name,
					"statement": i + 1,
				}).Error("Migration statement failed")
				return applied, fmt.Errorf("failed to execute statement %d in %s: %w", i+1, name, err)
			}
			applied++
		}
		logger.WithField("file", name).Info("Applied migration")
	}
	return applied, nil
}

// splitSQLStatements breaks a migration file into statements on trailing
// semicolons. Blank and comment-only lines are dropped.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    []string
	)
	flush := func() {
		stmt := strings.TrimSuffix(strings.TrimSpace(strings.Join(current, "\n")), ";")
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
		current = current[:0]
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current = append(current, line)
		if strings.HasSuffix(trimmed, ";") {
			flush()
		}
	}
	flush()
	return statements
}
