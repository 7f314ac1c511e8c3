package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Configurations ---

const configColumns = `id, name, kind, parameters, tags, status, created_by, created_at, updated_at`

func scanConfiguration(row scanner) (*models.OrchestratorConfiguration, error) {
	var c models.OrchestratorConfiguration
	var kind, status string
	var params []byte
	if err := row.Scan(&c.ID, &c.Name, &kind, &params, &c.Tags, &status,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Kind = models.OrchestratorKind(kind)
	c.Status = models.ConfigStatus(status)
	c.Parameters = json.RawMessage(params)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c, nil
}

func (s *PostgresStore) CreateConfiguration(ctx context.Context, cfg *models.OrchestratorConfiguration) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = cfg.CreatedAt
	}
	if cfg.Status == "" {
		cfg.Status = models.ConfigStatusConfigured
	}
	tags := cfg.Tags
	if tags == nil {
		tags = []string{}
	}
	params := string(cfg.Parameters)
	if len(cfg.Parameters) == 0 {
		params = "{}"
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO orchestrator_configurations (id, name, kind, parameters, tags, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cfg.ID, cfg.Name, string(cfg.Kind), params, tags, string(cfg.Status),
		cfg.CreatedBy, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: configuration %q already exists", ErrConflict, cfg.Name)
		}
		return fmt.Errorf("create configuration: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConfiguration(ctx context.Context, id uuid.UUID) (*models.OrchestratorConfiguration, error) {
	c, err := scanConfiguration(s.pool.QueryRow(ctx,
		`SELECT `+configColumns+` FROM orchestrator_configurations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConfigurations(ctx context.Context, filter ConfigFilter) ([]*models.OrchestratorConfiguration, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.CreatedBy != "" {
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", argIdx))
		args = append(args, filter.CreatedBy)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, string(filter.Kind))
		argIdx++
	}

	query := fmt.Sprintf(
		`SELECT %s FROM orchestrator_configurations WHERE %s ORDER BY seq ASC LIMIT $%d OFFSET $%d`,
		configColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()

	configs := []*models.OrchestratorConfiguration{}
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) SetConfigurationStatus(ctx context.Context, id uuid.UUID, status models.ConfigStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM orchestrator_configurations WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get configuration status: %w", err)
		}

		noop, err := checkConfigTransition(models.ConfigStatus(current), status)
		if err != nil || noop {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE orchestrator_configurations SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update configuration status: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteConfiguration(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orchestrator_configurations WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: configuration is referenced by executions", ErrConflict)
		}
		return fmt.Errorf("delete configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Executions ---

const executionColumns = `id, configuration_id, kind, name, input, status, progress, results, summary,
	error_detail, started_at, completed_at, created_by, created_at, updated_at`

// executionStatusColumns mirrors executionColumns without the results payload.
const executionStatusColumns = `id, configuration_id, kind, name, input, status, progress, NULL::jsonb, summary,
	error_detail, started_at, completed_at, created_by, created_at, updated_at`

func scanExecution(row scanner) (*models.OrchestratorExecution, error) {
	var e models.OrchestratorExecution
	var kind, status string
	var input, progress, results, summary, errDetail []byte
	if err := row.Scan(&e.ID, &e.ConfigurationID, &kind, &e.Name, &input, &status,
		&progress, &results, &summary, &errDetail, &e.StartedAt, &e.CompletedAt,
		&e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Kind = models.ExecutionKind(kind)
	e.Status = models.ExecutionStatus(status)
	e.Input = json.RawMessage(input)
	if len(results) > 0 {
		e.Results = json.RawMessage(results)
	}
	if err := unmarshalOptional(progress, &e.Progress); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	if err := unmarshalOptional(summary, &e.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	if err := unmarshalOptional(errDetail, &e.Error); err != nil {
		return nil, fmt.Errorf("decode error detail: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.OrchestratorExecution) error {
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	if exec.Status == "" {
		exec.Status = models.ExecutionStatusConfigured
	}
	if exec.Status != models.ExecutionStatusConfigured {
		return fmt.Errorf("%w: executions are created in %s status", ErrPreconditionFailed, models.ExecutionStatusConfigured)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO orchestrator_executions (id, configuration_id, kind, name, input, status, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		exec.ID, exec.ConfigurationID, string(exec.Kind), exec.Name, nullableJSON(exec.Input),
		string(exec.Status), exec.CreatedBy, exec.CreatedAt, exec.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("configuration %s: %w", exec.ConfigurationID, ErrNotFound)
		}
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: execution %s already exists", ErrConflict, exec.ID)
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error) {
	return s.getExecution(ctx, executionColumns, id)
}

func (s *PostgresStore) GetExecutionStatus(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error) {
	return s.getExecution(ctx, executionStatusColumns, id)
}

func (s *PostgresStore) getExecution(ctx context.Context, columns string, id uuid.UUID) (*models.OrchestratorExecution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM orchestrator_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.OrchestratorExecution, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.ConfigurationID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("configuration_id = $%d", argIdx))
		args = append(args, filter.ConfigurationID)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, fmt.Sprintf("created_by = $%d", argIdx))
		args = append(args, filter.CreatedBy)
		argIdx++
	}

	// Listings are a polling surface too; results are fetched per execution.
	query := fmt.Sprintf(
		`SELECT %s FROM orchestrator_executions WHERE %s ORDER BY seq ASC LIMIT $%d OFFSET $%d`,
		executionStatusColumns, strings.Join(conditions, " AND "), argIdx, argIdx+1)
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := []*models.OrchestratorExecution{}
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// lockExecution runs fn inside a transaction holding the execution's row lock.
func (s *PostgresStore) lockExecution(ctx context.Context, id uuid.UUID,
	fn func(tx pgx.Tx, status models.ExecutionStatus, progress *models.Progress) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT status, progress FROM orchestrator_executions WHERE id = $1 FOR UPDATE`, id).Scan(&status, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock execution: %w", err)
		}
		var progress *models.Progress
		if err := unmarshalOptional(raw, &progress); err != nil {
			return fmt.Errorf("decode progress: %w", err)
		}
		return fn(tx, models.ExecutionStatus(status), progress)
	})
}

func (s *PostgresStore) StartExecution(ctx context.Context, id uuid.UUID, progress models.Progress) error {
	return s.lockExecution(ctx, id, func(tx pgx.Tx, status models.ExecutionStatus, _ *models.Progress) error {
		if status != models.ExecutionStatusConfigured {
			return fmt.Errorf("%w: cannot start execution in %s status", ErrPreconditionFailed, status)
		}
		if err := checkProgress(nil, progress); err != nil {
			return err
		}
		raw, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		now := time.Now().UTC()
		_, err = tx.Exec(ctx,
			`UPDATE orchestrator_executions SET status = $2, progress = $3, started_at = $4, updated_at = $4 WHERE id = $1`,
			id, string(models.ExecutionStatusRunning), string(raw), now)
		if err != nil {
			return fmt.Errorf("start execution: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateExecutionProgress(ctx context.Context, id uuid.UUID, progress models.Progress) error {
	return s.lockExecution(ctx, id, func(tx pgx.Tx, status models.ExecutionStatus, prev *models.Progress) error {
		if status != models.ExecutionStatusRunning {
			return fmt.Errorf("%w: cannot update progress of execution in %s status", ErrPreconditionFailed, status)
		}
		if err := checkProgress(prev, progress); err != nil {
			return err
		}
		raw, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("encode progress: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE orchestrator_executions SET progress = $2, updated_at = $3 WHERE id = $1`,
			id, string(raw), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("update execution progress: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) FinalizeExecution(ctx context.Context, id uuid.UUID, outcome models.ExecutionOutcome) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}
	summary, err := marshalOptional(outcome.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	errDetail, err := marshalOptional(outcome.Error)
	if err != nil {
		return fmt.Errorf("encode error detail: %w", err)
	}

	return s.lockExecution(ctx, id, func(tx pgx.Tx, status models.ExecutionStatus, _ *models.Progress) error {
		if status.Terminal() {
			return fmt.Errorf("%w: execution is %s", ErrAlreadyFinalized, status)
		}
		now := time.Now().UTC()
		_, err := tx.Exec(ctx,
			`UPDATE orchestrator_executions
			 SET status = $2, results = $3, summary = $4, error_detail = $5, completed_at = $6, updated_at = $6
			 WHERE id = $1`,
			id, string(outcome.Status), nullableJSON(outcome.Results), summary, errDetail, now)
		if err != nil {
			return fmt.Errorf("finalize execution: %w", err)
		}
		return nil
	})
}

// nullableJSON passes raw JSON to a jsonb column, mapping empty payloads to NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func marshalOptional[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func unmarshalOptional[T any](raw []byte, dst **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		*dst = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	*dst = &v
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// isForeignKeyError checks if a pgx error is a foreign key violation.
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
