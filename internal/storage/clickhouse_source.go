package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/wallet-cluster-engine/internal/config"
	apperrors "github.com/wallet-cluster-engine/internal/errors"
	"github.com/wallet-cluster-engine/internal/types"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// DefaultHistoryLimit caps the rows read per wallet
const DefaultHistoryLimit = 10000

// clickHousePool sizes a ClickHouse connection for one role
type clickHousePool struct {
	maxOpen      int
	maxIdle      int
	maxExecution time.Duration
	readOnly     bool
}

// historyReadPool serves one point read per in-flight wallet. Lookups get a
// couple of connections on top of the job workers.
func historyReadPool(concurrency int) clickHousePool {
	if concurrency < 1 {
		concurrency = 1
	}
	return clickHousePool{
		maxOpen:      concurrency + 2,
		maxIdle:      concurrency,
		maxExecution: 30 * time.Second,
		readOnly:     true,
	}
}

func openClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, pool clickHousePool) (driver.Conn, error) {
	settings := clickhouse.Settings{
		"max_execution_time": int(pool.maxExecution / time.Second),
	}
	if pool.readOnly {
		// 2 forbids writes but still lets the driver set per-query settings
		settings["readonly"] = 2
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings:         settings,
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     pool.maxOpen,
		MaxIdleConns:     pool.maxIdle,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// ClickHouseSource reads wallet histories from a collaborator-maintained
// ClickHouse table. Rows are keyed by the wallet they were indexed for.
type ClickHouseSource struct {
	conn  driver.Conn
	table string
	limit int
}

// OpenClickHouseSource connects to cfg.Table with a read-only pool sized for
// concurrency parallel wallet reads.
func OpenClickHouseSource(ctx context.Context, cfg *config.ClickHouseConfig, concurrency, limit int) (*ClickHouseSource, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid transaction table name %q", cfg.Table)
	}
	conn, err := openClickHouse(ctx, cfg, historyReadPool(concurrency))
	if err != nil {
		return nil, err
	}
	return NewClickHouseSource(conn, cfg.Table, limit)
}

// NewClickHouseSource creates a source over table on an open connection,
// reading at most limit of the most recent rows per wallet.
func NewClickHouseSource(conn driver.Conn, table string, limit int) (*ClickHouseSource, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid transaction table name %q", table)
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &ClickHouseSource{conn: conn, table: table, limit: limit}, nil
}

// Ping checks the connection; /health uses it
func (s *ClickHouseSource) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close releases the connection pool
func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}

// Transactions returns address's history ordered by timestamp
func (s *ClickHouseSource) Transactions(ctx context.Context, address string) ([]types.TransactionRecord, error) {
	address = strings.ToLower(address)

	// newest rows first so the limit keeps the most recent history
	query := fmt.Sprintf(`
		SELECT hash, from_address, to_address, value, gas_price, timestamp,
			counterpart_contract, counterpart_token, is_contract
		FROM %s
		WHERE wallet = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, s.table)

	rows, err := s.conn.Query(ctx, query, address, s.limit)
	if err != nil {
		return nil, apperrors.NewSourceError(address, fmt.Errorf("failed to query transactions: %w", err))
	}
	defer rows.Close()

	var records []types.TransactionRecord
	for rows.Next() {
		var (
			r  types.TransactionRecord
			ts time.Time
		)
		if err := rows.Scan(
			&r.Hash,
			&r.From,
			&r.To,
			&r.Value,
			&r.GasPrice,
			&ts,
			&r.CounterpartContract,
			&r.CounterpartToken,
			&r.IsContract,
		); err != nil {
			return nil, apperrors.NewSourceError(address, fmt.Errorf("failed to scan transaction: %w", err))
		}
		r.Timestamp = ts.Unix()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewSourceError(address, fmt.Errorf("error iterating transactions: %w", err))
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}
