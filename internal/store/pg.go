package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/promptledger/internal/models"
)

const uniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	pgSession
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{pgSession: pgSession{q: db}, db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(Session) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(pgSession{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapWriteError(err, "commit tx")
	}
	return nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PGStore) ClaimQueuedExecution(ctx context.Context, startedAt, staleBefore time.Time) (models.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Execution{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const selectClaimable = `
		SELECT execution_id FROM executions
		WHERE status='queued' OR (status='running' AND started_at < $1)
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`
	stale := sql.NullTime{Time: staleBefore, Valid: !staleBefore.IsZero()}
	var id uuid.UUID
	if err := tx.QueryRowContext(ctx, selectClaimable, stale).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Execution{}, ErrNotFound
		}
		return models.Execution{}, fmt.Errorf("select claimable execution: %w", err)
	}

	query := `
		WITH upd AS (
			UPDATE executions SET status='running', started_at=$2
			WHERE execution_id=$1 AND status IN ('queued','running')
			RETURNING *
		) ` + selectExecutions("upd")
	exec, err := scanExecution(tx.QueryRowContext(ctx, query, id, startedAt))
	if err != nil {
		return models.Execution{}, fmt.Errorf("claim execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Execution{}, fmt.Errorf("commit claim: %w", err)
	}
	return exec, nil
}

type pgSession struct {
	q querier
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func mapWriteError(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %s", op, ErrConflict, pqErr.Constraint)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func mapReadError(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ensureJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return raw
}

// nullableJSON keeps absent JSON columns NULL instead of storing an empty document.
func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func uuidPtr(nu uuid.NullUUID) *uuid.UUID {
	if !nu.Valid {
		return nil
	}
	v := nu.UUID
	return &v
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// Prompts

const promptColumns = `prompt_id, name, mode, description, owner_team, active_version_id, created_at, updated_at`

func scanPrompt(row rowScanner) (models.Prompt, error) {
	var (
		p           models.Prompt
		description sql.NullString
		ownerTeam   sql.NullString
		active      uuid.NullUUID
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Mode, &description, &ownerTeam, &active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Prompt{}, err
	}
	p.Description = stringPtr(description)
	p.OwnerTeam = stringPtr(ownerTeam)
	p.ActiveVersionID = uuidPtr(active)
	return p, nil
}

func (s pgSession) CreatePrompt(ctx context.Context, in PromptInput) (models.Prompt, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO prompts (prompt_id, name, mode, description, owner_team)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING ` + promptColumns
	p, err := scanPrompt(s.q.QueryRowContext(ctx, query, in.ID, in.Name, in.Mode, in.Description, in.OwnerTeam))
	if err != nil {
		return models.Prompt{}, mapWriteError(err, "insert prompt")
	}
	return p, nil
}

func (s pgSession) GetPrompt(ctx context.Context, id uuid.UUID) (models.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE prompt_id = $1`
	p, err := scanPrompt(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Prompt{}, mapReadError(err, "get prompt")
	}
	return p, nil
}

func (s pgSession) GetPromptByName(ctx context.Context, name string) (models.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE name = $1`
	p, err := scanPrompt(s.q.QueryRowContext(ctx, query, name))
	if err != nil {
		return models.Prompt{}, mapReadError(err, "get prompt by name")
	}
	return p, nil
}

func (s pgSession) ListPrompts(ctx context.Context, filter ListPromptsFilter) ([]models.Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Mode != "" {
		query += fmt.Sprintf(" AND mode = $%d", argPos)
		args = append(args, filter.Mode)
		argPos++
	}
	query += " ORDER BY name"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if offset := normalizeOffset(filter.Offset); offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, offset)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return prompts, nil
}

func (s pgSession) CountPrompts(ctx context.Context, mode string) (int, error) {
	query := `SELECT COUNT(*) FROM prompts`
	args := []interface{}{}
	if mode != "" {
		query += ` WHERE mode = $1`
		args = append(args, mode)
	}
	var n int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count prompts: %w", err)
	}
	return n, nil
}

func (s pgSession) ActivateVersion(ctx context.Context, promptID, versionID uuid.UUID) (models.Prompt, error) {
	const demote = `
		UPDATE prompt_versions SET status='deprecated'
		WHERE prompt_id=$1 AND status='active' AND version_id<>$2
	`
	if _, err := s.q.ExecContext(ctx, demote, promptID, versionID); err != nil {
		return models.Prompt{}, mapWriteError(err, "demote active versions")
	}

	const promote = `UPDATE prompt_versions SET status='active' WHERE version_id=$1 AND prompt_id=$2`
	res, err := s.q.ExecContext(ctx, promote, versionID, promptID)
	if err != nil {
		return models.Prompt{}, mapWriteError(err, "activate version")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.Prompt{}, ErrNotFound
	}

	query := `
		UPDATE prompts SET active_version_id=$2, updated_at=NOW()
		WHERE prompt_id=$1
		RETURNING ` + promptColumns
	p, err := scanPrompt(s.q.QueryRowContext(ctx, query, promptID, versionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Prompt{}, ErrNotFound
		}
		return models.Prompt{}, mapWriteError(err, "set active version")
	}
	return p, nil
}

// Versions

const versionColumns = `version_id, prompt_id, version_number, template_source, checksum_hash, status, created_by, created_at`

func scanVersion(row rowScanner, extra ...interface{}) (models.PromptVersion, error) {
	var (
		v         models.PromptVersion
		createdBy sql.NullString
	)
	dest := []interface{}{&v.ID, &v.PromptID, &v.VersionNumber, &v.TemplateSource, &v.ChecksumHash, &v.Status, &createdBy, &v.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return models.PromptVersion{}, err
	}
	v.CreatedBy = stringPtr(createdBy)
	return v, nil
}

func (s pgSession) CreateVersion(ctx context.Context, in VersionInput) (models.PromptVersion, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.VersionStatusDraft
	}
	query := `
		INSERT INTO prompt_versions (version_id, prompt_id, version_number, template_source, checksum_hash, status, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + versionColumns
	v, err := scanVersion(s.q.QueryRowContext(ctx, query, in.ID, in.PromptID, in.VersionNumber, in.TemplateSource, in.ChecksumHash, in.Status, in.CreatedBy))
	if err != nil {
		return models.PromptVersion{}, mapWriteError(err, "insert prompt version")
	}
	return v, nil
}

func (s pgSession) GetVersion(ctx context.Context, id uuid.UUID) (models.PromptVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions WHERE version_id = $1`
	v, err := scanVersion(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.PromptVersion{}, mapReadError(err, "get prompt version")
	}
	return v, nil
}

func (s pgSession) GetVersionByNumber(ctx context.Context, promptID uuid.UUID, number int) (models.PromptVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions WHERE prompt_id = $1 AND version_number = $2`
	v, err := scanVersion(s.q.QueryRowContext(ctx, query, promptID, number))
	if err != nil {
		return models.PromptVersion{}, mapReadError(err, "get prompt version by number")
	}
	return v, nil
}

func (s pgSession) GetVersionByChecksum(ctx context.Context, promptID uuid.UUID, checksum string) (models.PromptVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions WHERE prompt_id = $1 AND checksum_hash = $2`
	v, err := scanVersion(s.q.QueryRowContext(ctx, query, promptID, checksum))
	if err != nil {
		return models.PromptVersion{}, mapReadError(err, "get prompt version by checksum")
	}
	return v, nil
}

func (s pgSession) MaxVersionNumber(ctx context.Context, promptID uuid.UUID) (int, error) {
	const query = `SELECT COALESCE(MAX(version_number), 0) FROM prompt_versions WHERE prompt_id = $1`
	var n int
	if err := s.q.QueryRowContext(ctx, query, promptID).Scan(&n); err != nil {
		return 0, fmt.Errorf("max version number: %w", err)
	}
	return n, nil
}

func (s pgSession) ListVersions(ctx context.Context, promptID uuid.UUID) ([]models.PromptVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions WHERE prompt_id = $1 ORDER BY version_number DESC`
	rows, err := s.q.QueryContext(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("list prompt versions: %w", err)
	}
	defer rows.Close()

	var versions []models.PromptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt versions: %w", err)
	}
	return versions, nil
}

func (s pgSession) ListVersionHistory(ctx context.Context, promptID uuid.UUID) ([]models.VersionHistory, error) {
	const query = `
		SELECT v.version_id, v.prompt_id, v.version_number, v.template_source, v.checksum_hash, v.status, v.created_by, v.created_at,
		       COUNT(e.execution_id)
		FROM prompt_versions v
		LEFT JOIN executions e ON e.version_id = v.version_id
		WHERE v.prompt_id = $1
		GROUP BY v.version_id
		ORDER BY v.version_number DESC
	`
	rows, err := s.q.QueryContext(ctx, query, promptID)
	if err != nil {
		return nil, fmt.Errorf("list version history: %w", err)
	}
	defer rows.Close()

	var history []models.VersionHistory
	for rows.Next() {
		var count int
		v, err := scanVersion(rows, &count)
		if err != nil {
			return nil, fmt.Errorf("scan version history: %w", err)
		}
		history = append(history, models.VersionHistory{Version: v, ExecutionCount: count})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version history: %w", err)
	}
	return history, nil
}

// Models

const modelColumns = `model_id, provider, model_name, max_tokens, supports_streaming, created_at`

func scanModel(row rowScanner) (models.Model, error) {
	var (
		m         models.Model
		maxTokens sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Provider, &m.ModelName, &maxTokens, &m.SupportsStreaming, &m.CreatedAt); err != nil {
		return models.Model{}, err
	}
	m.MaxTokens = intPtr(maxTokens)
	return m, nil
}

func (s pgSession) UpsertModel(ctx context.Context, in ModelInput) (models.Model, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO models (model_id, provider, model_name, max_tokens, supports_streaming)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (provider, model_name) DO UPDATE
		SET max_tokens = EXCLUDED.max_tokens, supports_streaming = EXCLUDED.supports_streaming
		RETURNING ` + modelColumns
	m, err := scanModel(s.q.QueryRowContext(ctx, query, in.ID, in.Provider, in.ModelName, in.MaxTokens, in.SupportsStreaming))
	if err != nil {
		return models.Model{}, mapWriteError(err, "upsert model")
	}
	return m, nil
}

func (s pgSession) GetModel(ctx context.Context, provider, name string) (models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE provider = $1 AND model_name = $2`
	m, err := scanModel(s.q.QueryRowContext(ctx, query, provider, name))
	if err != nil {
		return models.Model{}, mapReadError(err, "get model")
	}
	return m, nil
}

func (s pgSession) GetModelByID(ctx context.Context, id uuid.UUID) (models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE model_id = $1`
	m, err := scanModel(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Model{}, mapReadError(err, "get model by id")
	}
	return m, nil
}

func (s pgSession) ListModels(ctx context.Context) ([]models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models ORDER BY provider, model_name`
	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate models: %w", err)
	}
	return out, nil
}

// Executions

const executionColumns = `e.execution_id, e.prompt_id, e.version_id, e.model_id, e.environment, e.execution_mode, e.status,
	e.correlation_id, e.idempotency_key, e.rendered_prompt, e.response_text,
	e.temperature, e.top_k, e.top_p, e.repetition_penalty, e.max_new_tokens,
	e.prompt_tokens, e.response_tokens, e.latency_ms, e.provider_request_id, e.error_type, e.error_message,
	e.created_at, e.started_at, e.completed_at, p.name`

// selectExecutions reads from source aliased as e, which is either the table or a
// data-modifying CTE, so writes return the same shape as reads.
func selectExecutions(source string) string {
	return `SELECT ` + executionColumns + ` FROM ` + source + ` e JOIN prompts p ON p.prompt_id = e.prompt_id`
}

func scanExecution(row rowScanner) (models.Execution, error) {
	var (
		e                 models.Execution
		correlationID     sql.NullString
		idempotencyKey    sql.NullString
		responseText      sql.NullString
		temperature       sql.NullFloat64
		topK              sql.NullInt64
		topP              sql.NullFloat64
		repetition        sql.NullFloat64
		maxNewTokens      sql.NullInt64
		promptTokens      sql.NullInt64
		responseTokens    sql.NullInt64
		latency           sql.NullInt64
		providerRequestID sql.NullString
		errorType         sql.NullString
		errorMessage      sql.NullString
		startedAt         sql.NullTime
		completedAt       sql.NullTime
	)
	if err := row.Scan(
		&e.ID,
		&e.PromptID,
		&e.VersionID,
		&e.ModelID,
		&e.Environment,
		&e.Mode,
		&e.Status,
		&correlationID,
		&idempotencyKey,
		&e.RenderedPrompt,
		&responseText,
		&temperature,
		&topK,
		&topP,
		&repetition,
		&maxNewTokens,
		&promptTokens,
		&responseTokens,
		&latency,
		&providerRequestID,
		&errorType,
		&errorMessage,
		&e.CreatedAt,
		&startedAt,
		&completedAt,
		&e.PromptName,
	); err != nil {
		return models.Execution{}, err
	}
	e.CorrelationID = stringPtr(correlationID)
	e.IdempotencyKey = stringPtr(idempotencyKey)
	e.ResponseText = stringPtr(responseText)
	e.Params = models.Params{
		Temperature:       floatPtr(temperature),
		TopK:              intPtr(topK),
		TopP:              floatPtr(topP),
		RepetitionPenalty: floatPtr(repetition),
		MaxNewTokens:      intPtr(maxNewTokens),
	}
	e.Telemetry = models.Telemetry{
		PromptTokens:   intPtr(promptTokens),
		ResponseTokens: intPtr(responseTokens),
		LatencyMS:      intPtr(latency),
	}
	e.ProviderRequestID = stringPtr(providerRequestID)
	e.ErrorType = stringPtr(errorType)
	e.ErrorMessage = stringPtr(errorMessage)
	e.StartedAt = timePtr(startedAt)
	e.CompletedAt = timePtr(completedAt)
	return e, nil
}

func (s pgSession) CreateExecution(ctx context.Context, in ExecutionInsert) (models.Execution, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		WITH ins AS (
			INSERT INTO executions (execution_id, prompt_id, version_id, model_id, environment, execution_mode, status,
				correlation_id, idempotency_key, rendered_prompt,
				temperature, top_k, top_p, repetition_penalty, max_new_tokens, started_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			RETURNING *
		) ` + selectExecutions("ins")
	row := s.q.QueryRowContext(ctx, query,
		in.ID, in.PromptID, in.VersionID, in.ModelID, in.Environment, in.Mode, in.Status,
		in.CorrelationID, in.IdempotencyKey, in.RenderedPrompt,
		in.Params.Temperature, in.Params.TopK, in.Params.TopP, in.Params.RepetitionPenalty, in.Params.MaxNewTokens,
		in.StartedAt,
	)
	e, err := scanExecution(row)
	if err != nil {
		return models.Execution{}, mapWriteError(err, "insert execution")
	}
	return e, nil
}

func (s pgSession) SaveExecutionInput(ctx context.Context, executionID uuid.UUID, variables json.RawMessage) error {
	const query = `INSERT INTO execution_inputs (execution_id, variables_json) VALUES ($1,$2)`
	if _, err := s.q.ExecContext(ctx, query, executionID, ensureJSON(variables, "{}")); err != nil {
		return mapWriteError(err, "insert execution input")
	}
	return nil
}

func (s pgSession) GetExecutionInput(ctx context.Context, executionID uuid.UUID) (models.ExecutionInput, error) {
	const query = `SELECT execution_id, variables_json, created_at FROM execution_inputs WHERE execution_id = $1`
	var (
		in   models.ExecutionInput
		vars []byte
	)
	if err := s.q.QueryRowContext(ctx, query, executionID).Scan(&in.ExecutionID, &vars, &in.CreatedAt); err != nil {
		return models.ExecutionInput{}, mapReadError(err, "get execution input")
	}
	in.Variables = rawJSON(vars)
	return in, nil
}

func (s pgSession) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	query := selectExecutions("executions") + ` WHERE e.execution_id = $1`
	e, err := scanExecution(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Execution{}, mapReadError(err, "get execution")
	}
	return e, nil
}

func (s pgSession) GetExecutionByIdempotencyKey(ctx context.Context, promptID uuid.UUID, key string) (models.Execution, error) {
	query := selectExecutions("executions") + ` WHERE e.prompt_id = $1 AND e.idempotency_key = $2`
	e, err := scanExecution(s.q.QueryRowContext(ctx, query, promptID, key))
	if err != nil {
		return models.Execution{}, mapReadError(err, "get execution by idempotency key")
	}
	return e, nil
}

func executionFilterClause(filter ListExecutionsFilter) (string, []interface{}) {
	clause := ` WHERE 1=1`
	args := []interface{}{}
	if filter.PromptName != "" {
		args = append(args, filter.PromptName)
		clause += fmt.Sprintf(" AND p.name = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clause += fmt.Sprintf(" AND e.status = $%d", len(args))
	}
	return clause, args
}

func (s pgSession) ListExecutions(ctx context.Context, filter ListExecutionsFilter) ([]models.Execution, error) {
	where, args := executionFilterClause(filter)
	query := selectExecutions("executions") + where + " ORDER BY e.created_at DESC"
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if offset := normalizeOffset(filter.Offset); offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

func (s pgSession) CountExecutions(ctx context.Context, filter ListExecutionsFilter) (int, error) {
	where, args := executionFilterClause(filter)
	query := `SELECT COUNT(*) FROM executions e JOIN prompts p ON p.prompt_id = e.prompt_id` + where
	var n int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// resolveMissingExecution distinguishes an unknown id from a guarded update that matched nothing.
func (s pgSession) resolveMissingExecution(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return ErrTerminal
}

func (s pgSession) MarkExecutionRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (models.Execution, error) {
	query := `
		WITH upd AS (
			UPDATE executions SET status='running', started_at=COALESCE(started_at, $2)
			WHERE execution_id=$1 AND status IN ('queued','running')
			RETURNING *
		) ` + selectExecutions("upd")
	e, err := scanExecution(s.q.QueryRowContext(ctx, query, id, startedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Execution{}, s.resolveMissingExecution(ctx, id)
		}
		return models.Execution{}, fmt.Errorf("mark execution running: %w", err)
	}
	return e, nil
}

func (s pgSession) CompleteExecution(ctx context.Context, in ExecutionCompletion) (models.Execution, error) {
	if !models.IsTerminalStatus(in.Status) {
		return models.Execution{}, fmt.Errorf("complete execution: %q is not a terminal status", in.Status)
	}
	query := `
		WITH upd AS (
			UPDATE executions
			SET status=$2, response_text=$3, prompt_tokens=$4, response_tokens=$5, latency_ms=$6,
				provider_request_id=$7, error_type=$8, error_message=$9, completed_at=$10
			WHERE execution_id=$1 AND status IN ('queued','running')
			RETURNING *
		) ` + selectExecutions("upd")
	row := s.q.QueryRowContext(ctx, query,
		in.ID, in.Status, in.ResponseText, in.PromptTokens, in.ResponseTokens, in.LatencyMS,
		in.ProviderRequestID, in.ErrorType, in.ErrorMessage, in.CompletedAt,
	)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Execution{}, s.resolveMissingExecution(ctx, in.ID)
		}
		return models.Execution{}, fmt.Errorf("complete execution: %w", err)
	}
	return e, nil
}

func (s pgSession) CancelExecution(ctx context.Context, id uuid.UUID, at time.Time) (models.Execution, error) {
	query := `
		WITH upd AS (
			UPDATE executions SET status='canceled', completed_at=$2
			WHERE execution_id=$1 AND status='queued'
			RETURNING *
		) ` + selectExecutions("upd")
	e, err := scanExecution(s.q.QueryRowContext(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Execution{}, s.resolveMissingExecution(ctx, id)
		}
		return models.Execution{}, fmt.Errorf("cancel execution: %w", err)
	}
	return e, nil
}

func (s pgSession) ExecutionStats(ctx context.Context, mode string) (models.ModeStats, error) {
	var stats models.ModeStats
	promptCount, err := s.CountPrompts(ctx, mode)
	if err != nil {
		return stats, err
	}
	stats.PromptCount = promptCount

	const query = `
		SELECT COUNT(e.execution_id), COALESCE(ROUND(AVG(e.latency_ms)), 0)::int
		FROM executions e JOIN prompts p ON p.prompt_id = e.prompt_id
		WHERE p.mode = $1
	`
	if err := s.q.QueryRowContext(ctx, query, mode).Scan(&stats.ExecutionCount, &stats.AvgLatencyMS); err != nil {
		return stats, fmt.Errorf("execution stats: %w", err)
	}
	return stats, nil
}

// Spans

const spanColumns = `span_id, trace_id, parent_span_id, name, kind, start_time, end_time, duration_ms, status, error_message,
	input_data, output_data, attributes, model, prompt_tokens, completion_tokens, execution_id`

func scanSpan(row rowScanner) (models.Span, error) {
	var (
		sp               models.Span
		parent           uuid.NullUUID
		endTime          sql.NullTime
		duration         sql.NullInt64
		errorMessage     sql.NullString
		input            []byte
		output           []byte
		attrs            []byte
		model            sql.NullString
		promptTokens     sql.NullInt64
		completionTokens sql.NullInt64
		executionID      uuid.NullUUID
	)
	if err := row.Scan(
		&sp.ID,
		&sp.TraceID,
		&parent,
		&sp.Name,
		&sp.Kind,
		&sp.StartTime,
		&endTime,
		&duration,
		&sp.Status,
		&errorMessage,
		&input,
		&output,
		&attrs,
		&model,
		&promptTokens,
		&completionTokens,
		&executionID,
	); err != nil {
		return models.Span{}, err
	}
	sp.ParentSpanID = uuidPtr(parent)
	sp.EndTime = timePtr(endTime)
	sp.DurationMS = intPtr(duration)
	sp.ErrorMessage = stringPtr(errorMessage)
	sp.InputData = rawJSON(input)
	sp.OutputData = rawJSON(output)
	sp.Attributes = rawJSON(attrs)
	sp.Model = stringPtr(model)
	sp.PromptTokens = intPtr(promptTokens)
	sp.CompletionTokens = intPtr(completionTokens)
	sp.ExecutionID = uuidPtr(executionID)
	return sp, nil
}

func (s pgSession) CreateSpan(ctx context.Context, in SpanInput) (models.Span, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.StartTime.IsZero() {
		in.StartTime = time.Now().UTC()
	}
	if in.Status == "" {
		in.Status = models.SpanStatusOK
	}
	query := `
		INSERT INTO spans (span_id, trace_id, parent_span_id, name, kind, start_time, end_time, duration_ms, status, error_message,
			input_data, output_data, attributes, model, prompt_tokens, completion_tokens, execution_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING ` + spanColumns
	row := s.q.QueryRowContext(ctx, query,
		in.ID, in.TraceID, in.ParentSpanID, in.Name, in.Kind, in.StartTime, in.EndTime, in.DurationMS, in.Status, in.ErrorMessage,
		nullableJSON(in.InputData), nullableJSON(in.OutputData), nullableJSON(in.Attributes),
		in.Model, in.PromptTokens, in.CompletionTokens, in.ExecutionID,
	)
	sp, err := scanSpan(row)
	if err != nil {
		return models.Span{}, mapWriteError(err, "insert span")
	}
	return sp, nil
}

func (s pgSession) GetSpan(ctx context.Context, id uuid.UUID) (models.Span, error) {
	query := `SELECT ` + spanColumns + ` FROM spans WHERE span_id = $1`
	sp, err := scanSpan(s.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Span{}, mapReadError(err, "get span")
	}
	return sp, nil
}

func (s pgSession) GetSpanByExecution(ctx context.Context, executionID uuid.UUID) (models.Span, error) {
	query := `SELECT ` + spanColumns + ` FROM spans WHERE execution_id = $1`
	sp, err := scanSpan(s.q.QueryRowContext(ctx, query, executionID))
	if err != nil {
		return models.Span{}, mapReadError(err, "get span by execution")
	}
	return sp, nil
}

func (s pgSession) EndSpan(ctx context.Context, in SpanEnd) (models.Span, error) {
	query := `
		UPDATE spans
		SET end_time=$2, duration_ms=$3, status=$4, error_message=$5,
			output_data=COALESCE($6::jsonb, output_data),
			model=COALESCE($7, model),
			prompt_tokens=COALESCE($8, prompt_tokens),
			completion_tokens=COALESCE($9, completion_tokens)
		WHERE span_id=$1 AND end_time IS NULL
		RETURNING ` + spanColumns
	row := s.q.QueryRowContext(ctx, query,
		in.ID, in.EndTime, in.DurationMS, in.Status, in.ErrorMessage,
		nullableJSON(in.OutputData), in.Model, in.PromptTokens, in.CompletionTokens,
	)
	sp, err := scanSpan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetSpan(ctx, in.ID); getErr != nil {
				return models.Span{}, getErr
			}
			return models.Span{}, fmt.Errorf("end span: %w: span already ended", ErrConflict)
		}
		return models.Span{}, fmt.Errorf("end span: %w", err)
	}
	return sp, nil
}

func (s pgSession) listSpans(ctx context.Context, op, where string, arg interface{}) ([]models.Span, error) {
	query := `SELECT ` + spanColumns + ` FROM spans WHERE ` + where + ` ORDER BY start_time, span_id`
	rows, err := s.q.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var spans []models.Span
	for rows.Next() {
		sp, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span: %w", err)
		}
		spans = append(spans, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	return spans, nil
}

func (s pgSession) ListSpansByTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	return s.listSpans(ctx, "list trace spans", "trace_id = $1", traceID)
}

func (s pgSession) ListChildSpans(ctx context.Context, parentID uuid.UUID) ([]models.Span, error) {
	return s.listSpans(ctx, "list child spans", "parent_span_id = $1", parentID)
}

func (s pgSession) DeleteSpan(ctx context.Context, id uuid.UUID) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM spans WHERE span_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete span: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
