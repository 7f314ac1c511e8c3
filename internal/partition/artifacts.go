package partition

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/pkg/models"
	_ "modernc.org/sqlite"
)

// ArtifactsFile is the per-partition database holding item-level execution evidence.
const ArtifactsFile = "artifacts.db"

// Artifacts stores per-item results inside a single tenant partition.
type Artifacts struct {
	db *sql.DB
}

// OpenArtifacts opens (creating if needed) the artifacts database in partition directory dir.
func OpenArtifacts(dir string) (*Artifacts, error) {
	dsn := "file:" + filepath.Join(dir, ArtifactsFile) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open artifacts: %w", err)
	}
	// Several executions of one tenant may write concurrently; sqlite serializes writers.
	db.SetMaxOpenConns(1)

	a := &Artifacts{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Artifacts) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS item_results (
		execution_id TEXT NOT NULL,
		item_index   INTEGER NOT NULL,
		prompt       TEXT NOT NULL,
		response     TEXT NOT NULL DEFAULT '',
		attempts     INTEGER NOT NULL,
		latency_ms   INTEGER NOT NULL,
		error        TEXT NOT NULL DEFAULT '',
		recorded_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (execution_id, item_index)
	);
	`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate artifacts: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (a *Artifacts) Close() error {
	return a.db.Close()
}

// RecordItem stores one item result. Re-recording the same item replaces it.
func (a *Artifacts) RecordItem(ctx context.Context, executionID uuid.UUID, r models.ItemResult) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO item_results (execution_id, item_index, prompt, response, attempts, latency_ms, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, item_index) DO UPDATE SET
		   prompt = excluded.prompt,
		   response = excluded.response,
		   attempts = excluded.attempts,
		   latency_ms = excluded.latency_ms,
		   error = excluded.error,
		   recorded_at = excluded.recorded_at`,
		executionID.String(), r.Index, r.Prompt, r.Response, r.Attempts, r.LatencyMS, r.Error,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record item %d: %w", r.Index, err)
	}
	return nil
}

// ListItems returns the recorded results of an execution ordered by item index.
func (a *Artifacts) ListItems(ctx context.Context, executionID uuid.UUID) ([]models.ItemResult, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT item_index, prompt, response, attempts, latency_ms, error
		 FROM item_results WHERE execution_id = ? ORDER BY item_index`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := []models.ItemResult{}
	for rows.Next() {
		var r models.ItemResult
		if err := rows.Scan(&r.Index, &r.Prompt, &r.Response, &r.Attempts, &r.LatencyMS, &r.Error); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// CountItems returns how many items were recorded for an execution.
func (a *Artifacts) CountItems(ctx context.Context, executionID uuid.UUID) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM item_results WHERE execution_id = ?`, executionID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
