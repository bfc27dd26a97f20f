package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for non-critical JSON columns so one corrupt row does not fail a query.
func unmarshalJSON(data string, v any, field string, runID types.RunID) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL keeps API reads from blocking on per-block flush writes.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'running',
		txs_per_block INTEGER NOT NULL,
		num_blocks INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		summary TEXT,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS run_txs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		flush_block INTEGER NOT NULL,
		status TEXT NOT NULL,
		tx_hash TEXT,
		tx_hashes TEXT NOT NULL,
		kind TEXT,
		metadata TEXT,
		start_timestamp_ms INTEGER NOT NULL,
		sent_at_block INTEGER NOT NULL,
		gas_price INTEGER NOT NULL DEFAULT 0,
		error_reason TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_run_txs_run ON run_txs(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_txs_hash ON run_txs(tx_hash);

	CREATE TABLE IF NOT EXISTS cached_contracts (
		chain_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		deployed_at DATETIME NOT NULL,
		PRIMARY KEY (chain_id, name)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first schema; applied only when missing.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"run_txs", "included_block", "ALTER TABLE run_txs ADD COLUMN included_block INTEGER DEFAULT 0"},
		{"run_txs", "gas_used", "ALTER TABLE run_txs ADD COLUMN gas_used INTEGER DEFAULT 0"},
		{"run_txs", "receipt_status", "ALTER TABLE run_txs ADD COLUMN receipt_status INTEGER DEFAULT 0"},
	}
	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Identifiers are validated since they are interpolated into the query.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier allows only alphanumerics and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts a run in running state and returns its id.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *types.Run) (types.RunID, error) {
	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (name, status, txs_per_block, num_blocks, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.Name, types.RunRunning, run.TxsPerBlock, run.NumBlocks, startedAt)
	if err != nil {
		return types.NoRun, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.NoRun, err
	}
	return types.RunID(id), nil
}

// CompleteRun marks a run completed and stores its summary.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id types.RunID, summary *types.RunSummary) error {
	return s.finishRun(ctx, id, types.RunCompleted, summary, "")
}

// FailRun marks a run failed with reason.
func (s *SQLiteStorage) FailRun(ctx context.Context, id types.RunID, summary *types.RunSummary, reason string) error {
	return s.finishRun(ctx, id, types.RunError, summary, reason)
}

func (s *SQLiteStorage) finishRun(ctx context.Context, id types.RunID, status types.RunStatus, summary *types.RunSummary, reason string) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to marshal summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, summary = ?, error_message = ?
		WHERE id = ?
	`, status, time.Now(), summaryJSON, nullString(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, name, status, txs_per_block, num_blocks, started_at, completed_at, summary, error_message`

// GetRun retrieves a single run by id.
func (s *SQLiteStorage) GetRun(ctx context.Context, id types.RunID) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns returns a page of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []types.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{Runs: runs, Total: total, Limit: limit, Offset: offset}, nil
}

// DeleteRun deletes a run and its outcomes.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id types.RunID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	return err
}

// PersistRunTxs inserts outcomes in a single transaction so a failed flush
// leaves nothing behind and can be retried whole.
func (s *SQLiteStorage) PersistRunTxs(ctx context.Context, runID types.RunID, block uint64, outcomes []types.TxOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_txs (run_id, flush_block, status, tx_hash, tx_hashes, kind, metadata,
			start_timestamp_ms, sent_at_block, gas_price, error_reason,
			included_block, gas_used, receipt_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outcomes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		hashes := make([]string, len(o.TxHashes))
		for i, h := range o.TxHashes {
			hashes[i] = h.Hex()
		}
		hashesJSON, _ := json.Marshal(hashes)
		metaJSON, _ := json.Marshal(o.Metadata)
		var first string
		if len(hashes) > 0 {
			first = hashes[0]
		}

		if _, err := stmt.ExecContext(ctx, runID, block, o.Status, nullString(first), string(hashesJSON),
			nullString(o.Kind()), string(metaJSON), o.StartTimestampMs, o.SentAtBlock, o.GasPrice,
			nullString(o.Error), o.IncludedBlock, o.GasUsed, o.ReceiptStatus); err != nil {
			return err
		}
	}

	return tx.Commit()
}

const runTxColumns = `run_id, flush_block, status, tx_hashes, metadata, start_timestamp_ms, sent_at_block,
	gas_price, error_reason, COALESCE(included_block, 0), COALESCE(gas_used, 0), COALESCE(receipt_status, 0)`

// GetRunTxs returns a page of outcomes for a run in insertion order.
func (s *SQLiteStorage) GetRunTxs(ctx context.Context, id types.RunID, limit, offset int) (*PaginatedRunTxs, error) {
	page := &PaginatedRunTxs{Txs: []types.RunTx{}, Limit: limit, Offset: offset}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM run_txs WHERE run_id = ?
	`, id).Scan(&page.Total, &page.Sent, &page.Failed)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runTxColumns+` FROM run_txs WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, id, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rt, err := scanRunTx(rows)
		if err != nil {
			return nil, err
		}
		page.Txs = append(page.Txs, *rt)
	}
	return page, rows.Err()
}

// GetRunTxByHash finds the outcome containing hash, including bundle members.
func (s *SQLiteStorage) GetRunTxByHash(ctx context.Context, hash string) (*types.RunTx, error) {
	h := common.HexToHash(hash).Hex()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runTxColumns+` FROM run_txs
		WHERE tx_hash = ? OR tx_hashes LIKE ?
		LIMIT 1
	`, h, "%"+h+"%")
	rt, err := scanRunTx(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tx %s: %w", h, ErrNotFound)
	}
	return rt, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*types.Run, error) {
	var run types.Run
	var completedAt sql.NullTime
	var summaryJSON, errorMsg sql.NullString

	if err := row.Scan(&run.ID, &run.Name, &run.Status, &run.TxsPerBlock, &run.NumBlocks,
		&run.StartedAt, &completedAt, &summaryJSON, &errorMsg); err != nil {
		return nil, err
	}

	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		var summary types.RunSummary
		unmarshalJSON(summaryJSON.String, &summary, "summary", run.ID)
		run.Summary = &summary
	}
	run.Error = errorMsg.String
	return &run, nil
}

func scanRunTx(row scanner) (*types.RunTx, error) {
	var rt types.RunTx
	var hashesJSON string
	var metaJSON, errorReason sql.NullString

	o := &rt.Outcome
	if err := row.Scan(&rt.RunID, &rt.FlushBlock, &o.Status, &hashesJSON, &metaJSON,
		&o.StartTimestampMs, &o.SentAtBlock, &o.GasPrice, &errorReason,
		&o.IncludedBlock, &o.GasUsed, &o.ReceiptStatus); err != nil {
		return nil, err
	}

	var hashes []string
	unmarshalJSON(hashesJSON, &hashes, "tx_hashes", rt.RunID)
	for _, h := range hashes {
		o.TxHashes = append(o.TxHashes, common.HexToHash(h))
	}
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		unmarshalJSON(metaJSON.String, &o.Metadata, "metadata", rt.RunID)
	}
	o.Error = errorReason.String
	return &rt, nil
}

func nullString(v string) sql.NullString {
	if strings.TrimSpace(v) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
