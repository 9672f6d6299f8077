package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/promptledger/internal/models"
)

// MemoryStore is an in-process Store used by tests and the single-binary dev mode.
// Writes outside InTx are applied to a copy and swapped in on success, so every call
// is atomic.
type MemoryStore struct {
	*memSession
	mu    sync.Mutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{state: newMemState()}
	s.memSession = &memSession{store: s}
	return s
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := s.state.clone()
	if err := fn(&memSession{store: s, tx: clone}); err != nil {
		return err
	}
	s.state = clone
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) ClaimQueuedExecution(ctx context.Context, startedAt, staleBefore time.Time) (models.Execution, error) {
	var out models.Execution
	err := s.write(func(st *memState) error {
		var (
			found bool
			best  models.Execution
		)
		for _, e := range st.executions {
			if !claimable(e, staleBefore) {
				continue
			}
			if !found || e.CreatedAt.Before(best.CreatedAt) || (e.CreatedAt.Equal(best.CreatedAt) && st.execSeq[e.ID] < st.execSeq[best.ID]) {
				best, found = e, true
			}
		}
		if !found {
			return ErrNotFound
		}
		best.Status = models.ExecutionStatusRunning
		t := startedAt
		best.StartedAt = &t
		st.executions[best.ID] = best
		out = st.withPromptName(best)
		return nil
	})
	return out, err
}

func claimable(e models.Execution, staleBefore time.Time) bool {
	switch e.Status {
	case models.ExecutionStatusQueued:
		return true
	case models.ExecutionStatusRunning:
		return !staleBefore.IsZero() && e.StartedAt != nil && e.StartedAt.Before(staleBefore)
	default:
		return false
	}
}

type memState struct {
	prompts    map[uuid.UUID]models.Prompt
	versions   map[uuid.UUID]models.PromptVersion
	catalog    map[uuid.UUID]models.Model
	executions map[uuid.UUID]models.Execution
	inputs     map[uuid.UUID]models.ExecutionInput
	spans      map[uuid.UUID]models.Span
	execSeq    map[uuid.UUID]int64
	spanSeq    map[uuid.UUID]int64
	seq        int64
}

func newMemState() *memState {
	return &memState{
		prompts:    map[uuid.UUID]models.Prompt{},
		versions:   map[uuid.UUID]models.PromptVersion{},
		catalog:    map[uuid.UUID]models.Model{},
		executions: map[uuid.UUID]models.Execution{},
		inputs:     map[uuid.UUID]models.ExecutionInput{},
		spans:      map[uuid.UUID]models.Span{},
		execSeq:    map[uuid.UUID]int64{},
		spanSeq:    map[uuid.UUID]int64{},
	}
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (st *memState) clone() *memState {
	return &memState{
		prompts:    copyMap(st.prompts),
		versions:   copyMap(st.versions),
		catalog:    copyMap(st.catalog),
		executions: copyMap(st.executions),
		inputs:     copyMap(st.inputs),
		spans:      copyMap(st.spans),
		execSeq:    copyMap(st.execSeq),
		spanSeq:    copyMap(st.spanSeq),
		seq:        st.seq,
	}
}

func (st *memState) next() int64 {
	st.seq++
	return st.seq
}

func (st *memState) withPromptName(e models.Execution) models.Execution {
	if p, ok := st.prompts[e.PromptID]; ok {
		e.PromptName = p.Name
	}
	return e
}

type memSession struct {
	store *MemoryStore
	tx    *memState
}

func (s *memSession) read(fn func(st *memState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return fn(s.store.state)
}

func (s *memSession) write(fn func(st *memState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	clone := s.store.state.clone()
	if err := fn(clone); err != nil {
		return err
	}
	s.store.state = clone
	return nil
}

func now() time.Time {
	return time.Now().UTC()
}

func conflict(constraint string) error {
	return fmt.Errorf("%w: %s", ErrConflict, constraint)
}

func copyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func page[T any](items []T, limit, offset int) []T {
	limit = normalizeLimit(limit)
	offset = normalizeOffset(offset)
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

// Prompts

func (s *memSession) CreatePrompt(ctx context.Context, in PromptInput) (models.Prompt, error) {
	var out models.Prompt
	err := s.write(func(st *memState) error {
		for _, p := range st.prompts {
			if p.Name == in.Name {
				return conflict("prompts_name_key")
			}
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if in.Mode == "" {
			in.Mode = models.PromptModeFull
		}
		ts := now()
		out = models.Prompt{
			ID:          in.ID,
			Name:        in.Name,
			Mode:        in.Mode,
			Description: in.Description,
			OwnerTeam:   in.OwnerTeam,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		st.prompts[out.ID] = out
		return nil
	})
	return out, err
}

func (s *memSession) GetPrompt(ctx context.Context, id uuid.UUID) (models.Prompt, error) {
	var out models.Prompt
	err := s.read(func(st *memState) error {
		p, ok := st.prompts[id]
		if !ok {
			return ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *memSession) GetPromptByName(ctx context.Context, name string) (models.Prompt, error) {
	var out models.Prompt
	err := s.read(func(st *memState) error {
		for _, p := range st.prompts {
			if p.Name == name {
				out = p
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *memSession) ListPrompts(ctx context.Context, filter ListPromptsFilter) ([]models.Prompt, error) {
	var out []models.Prompt
	err := s.read(func(st *memState) error {
		var all []models.Prompt
		for _, p := range st.prompts {
			if filter.Mode != "" && p.Mode != filter.Mode {
				continue
			}
			all = append(all, p)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
		out = page(all, filter.Limit, filter.Offset)
		return nil
	})
	return out, err
}

func (s *memSession) CountPrompts(ctx context.Context, mode string) (int, error) {
	var n int
	err := s.read(func(st *memState) error {
		for _, p := range st.prompts {
			if mode == "" || p.Mode == mode {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *memSession) ActivateVersion(ctx context.Context, promptID, versionID uuid.UUID) (models.Prompt, error) {
	var out models.Prompt
	err := s.write(func(st *memState) error {
		p, ok := st.prompts[promptID]
		if !ok {
			return ErrNotFound
		}
		target, ok := st.versions[versionID]
		if !ok || target.PromptID != promptID {
			return ErrNotFound
		}
		for id, v := range st.versions {
			if v.PromptID == promptID && v.Status == models.VersionStatusActive && id != versionID {
				v.Status = models.VersionStatusDeprecated
				st.versions[id] = v
			}
		}
		target.Status = models.VersionStatusActive
		st.versions[versionID] = target
		vid := versionID
		p.ActiveVersionID = &vid
		p.UpdatedAt = now()
		st.prompts[promptID] = p
		out = p
		return nil
	})
	return out, err
}

// Versions

func (s *memSession) CreateVersion(ctx context.Context, in VersionInput) (models.PromptVersion, error) {
	var out models.PromptVersion
	err := s.write(func(st *memState) error {
		if _, ok := st.prompts[in.PromptID]; !ok {
			return fmt.Errorf("insert prompt version: prompt %s does not exist", in.PromptID)
		}
		if in.VersionNumber <= 0 {
			return fmt.Errorf("insert prompt version: version number must be positive")
		}
		if in.Status == "" {
			in.Status = models.VersionStatusDraft
		}
		for _, v := range st.versions {
			if v.PromptID != in.PromptID {
				continue
			}
			switch {
			case v.VersionNumber == in.VersionNumber:
				return conflict("uq_prompt_versions_number")
			case v.ChecksumHash == in.ChecksumHash:
				return conflict("uq_prompt_versions_checksum")
			case v.Status == models.VersionStatusActive && in.Status == models.VersionStatusActive:
				return conflict("uq_prompt_versions_one_active")
			}
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		out = models.PromptVersion{
			ID:             in.ID,
			PromptID:       in.PromptID,
			VersionNumber:  in.VersionNumber,
			TemplateSource: in.TemplateSource,
			ChecksumHash:   in.ChecksumHash,
			Status:         in.Status,
			CreatedBy:      in.CreatedBy,
			CreatedAt:      now(),
		}
		st.versions[out.ID] = out
		return nil
	})
	return out, err
}

func (s *memSession) findVersion(match func(models.PromptVersion) bool) (models.PromptVersion, error) {
	var out models.PromptVersion
	err := s.read(func(st *memState) error {
		for _, v := range st.versions {
			if match(v) {
				out = v
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *memSession) GetVersion(ctx context.Context, id uuid.UUID) (models.PromptVersion, error) {
	return s.findVersion(func(v models.PromptVersion) bool { return v.ID == id })
}

func (s *memSession) GetVersionByNumber(ctx context.Context, promptID uuid.UUID, number int) (models.PromptVersion, error) {
	return s.findVersion(func(v models.PromptVersion) bool {
		return v.PromptID == promptID && v.VersionNumber == number
	})
}

func (s *memSession) GetVersionByChecksum(ctx context.Context, promptID uuid.UUID, checksum string) (models.PromptVersion, error) {
	return s.findVersion(func(v models.PromptVersion) bool {
		return v.PromptID == promptID && v.ChecksumHash == checksum
	})
}

func (s *memSession) MaxVersionNumber(ctx context.Context, promptID uuid.UUID) (int, error) {
	var highest int
	err := s.read(func(st *memState) error {
		for _, v := range st.versions {
			if v.PromptID == promptID && v.VersionNumber > highest {
				highest = v.VersionNumber
			}
		}
		return nil
	})
	return highest, err
}

func (st *memState) versionsOf(promptID uuid.UUID) []models.PromptVersion {
	var out []models.PromptVersion
	for _, v := range st.versions {
		if v.PromptID == promptID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out
}

func (s *memSession) ListVersions(ctx context.Context, promptID uuid.UUID) ([]models.PromptVersion, error) {
	var out []models.PromptVersion
	err := s.read(func(st *memState) error {
		out = st.versionsOf(promptID)
		return nil
	})
	return out, err
}

func (s *memSession) ListVersionHistory(ctx context.Context, promptID uuid.UUID) ([]models.VersionHistory, error) {
	var out []models.VersionHistory
	err := s.read(func(st *memState) error {
		counts := map[uuid.UUID]int{}
		for _, e := range st.executions {
			counts[e.VersionID]++
		}
		for _, v := range st.versionsOf(promptID) {
			out = append(out, models.VersionHistory{Version: v, ExecutionCount: counts[v.ID]})
		}
		return nil
	})
	return out, err
}

// Models

func (s *memSession) UpsertModel(ctx context.Context, in ModelInput) (models.Model, error) {
	var out models.Model
	err := s.write(func(st *memState) error {
		for id, m := range st.catalog {
			if m.Provider == in.Provider && m.ModelName == in.ModelName {
				m.MaxTokens = in.MaxTokens
				m.SupportsStreaming = in.SupportsStreaming
				st.catalog[id] = m
				out = m
				return nil
			}
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		out = models.Model{
			ID:                in.ID,
			Provider:          in.Provider,
			ModelName:         in.ModelName,
			MaxTokens:         in.MaxTokens,
			SupportsStreaming: in.SupportsStreaming,
			CreatedAt:         now(),
		}
		st.catalog[out.ID] = out
		return nil
	})
	return out, err
}

func (s *memSession) GetModel(ctx context.Context, provider, name string) (models.Model, error) {
	var out models.Model
	err := s.read(func(st *memState) error {
		for _, m := range st.catalog {
			if m.Provider == provider && m.ModelName == name {
				out = m
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *memSession) GetModelByID(ctx context.Context, id uuid.UUID) (models.Model, error) {
	var out models.Model
	err := s.read(func(st *memState) error {
		m, ok := st.catalog[id]
		if !ok {
			return ErrNotFound
		}
		out = m
		return nil
	})
	return out, err
}

func (s *memSession) ListModels(ctx context.Context) ([]models.Model, error) {
	var out []models.Model
	err := s.read(func(st *memState) error {
		for _, m := range st.catalog {
			out = append(out, m)
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Provider != out[j].Provider {
				return out[i].Provider < out[j].Provider
			}
			return out[i].ModelName < out[j].ModelName
		})
		return nil
	})
	return out, err
}

// Executions

func (s *memSession) CreateExecution(ctx context.Context, in ExecutionInsert) (models.Execution, error) {
	var out models.Execution
	err := s.write(func(st *memState) error {
		if _, ok := st.prompts[in.PromptID]; !ok {
			return fmt.Errorf("insert execution: prompt %s does not exist", in.PromptID)
		}
		if _, ok := st.versions[in.VersionID]; !ok {
			return fmt.Errorf("insert execution: version %s does not exist", in.VersionID)
		}
		if _, ok := st.catalog[in.ModelID]; !ok {
			return fmt.Errorf("insert execution: model %s does not exist", in.ModelID)
		}
		if in.IdempotencyKey != nil {
			for _, e := range st.executions {
				if e.PromptID == in.PromptID && e.IdempotencyKey != nil && *e.IdempotencyKey == *in.IdempotencyKey {
					return conflict("uq_executions_idempotency")
				}
			}
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if _, exists := st.executions[in.ID]; exists {
			return conflict("executions_pkey")
		}
		e := models.Execution{
			ID:             in.ID,
			PromptID:       in.PromptID,
			VersionID:      in.VersionID,
			ModelID:        in.ModelID,
			Environment:    in.Environment,
			Mode:           in.Mode,
			Status:         in.Status,
			CorrelationID:  in.CorrelationID,
			IdempotencyKey: in.IdempotencyKey,
			RenderedPrompt: in.RenderedPrompt,
			Params:         in.Params,
			CreatedAt:      now(),
			StartedAt:      in.StartedAt,
		}
		st.executions[e.ID] = e
		st.execSeq[e.ID] = st.next()
		out = st.withPromptName(e)
		return nil
	})
	return out, err
}

func (s *memSession) SaveExecutionInput(ctx context.Context, executionID uuid.UUID, variables json.RawMessage) error {
	return s.write(func(st *memState) error {
		if _, ok := st.executions[executionID]; !ok {
			return fmt.Errorf("insert execution input: execution %s does not exist", executionID)
		}
		if _, ok := st.inputs[executionID]; ok {
			return conflict("execution_inputs_pkey")
		}
		st.inputs[executionID] = models.ExecutionInput{
			ExecutionID: executionID,
			Variables:   copyJSON(ensureJSON(variables, "{}")),
			CreatedAt:   now(),
		}
		return nil
	})
}

func (s *memSession) GetExecutionInput(ctx context.Context, executionID uuid.UUID) (models.ExecutionInput, error) {
	var out models.ExecutionInput
	err := s.read(func(st *memState) error {
		in, ok := st.inputs[executionID]
		if !ok {
			return ErrNotFound
		}
		out = in
		return nil
	})
	return out, err
}

func (s *memSession) GetExecution(ctx context.Context, id uuid.UUID) (models.Execution, error) {
	var out models.Execution
	err := s.read(func(st *memState) error {
		e, ok := st.executions[id]
		if !ok {
			return ErrNotFound
		}
		out = st.withPromptName(e)
		return nil
	})
	return out, err
}

func (s *memSession) GetExecutionByIdempotencyKey(ctx context.Context, promptID uuid.UUID, key string) (models.Execution, error) {
	var out models.Execution
	err := s.read(func(st *memState) error {
		for _, e := range st.executions {
			if e.PromptID == promptID && e.IdempotencyKey != nil && *e.IdempotencyKey == key {
				out = st.withPromptName(e)
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (st *memState) filterExecutions(filter ListExecutionsFilter) []models.Execution {
	var out []models.Execution
	for _, e := range st.executions {
		e = st.withPromptName(e)
		if filter.PromptName != "" && e.PromptName != filter.PromptName {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return st.execSeq[out[i].ID] > st.execSeq[out[j].ID]
	})
	return out
}

func (s *memSession) ListExecutions(ctx context.Context, filter ListExecutionsFilter) ([]models.Execution, error) {
	var out []models.Execution
	err := s.read(func(st *memState) error {
		out = page(st.filterExecutions(filter), filter.Limit, filter.Offset)
		return nil
	})
	return out, err
}

func (s *memSession) CountExecutions(ctx context.Context, filter ListExecutionsFilter) (int, error) {
	var n int
	err := s.read(func(st *memState) error {
		n = len(st.filterExecutions(filter))
		return nil
	})
	return n, err
}

// mutateExecution applies fn to a live execution; allowed lists the statuses the
// update may start from.
func (s *memSession) mutateExecution(id uuid.UUID, allowed []string, fn func(*models.Execution)) (models.Execution, error) {
	var out models.Execution
	err := s.write(func(st *memState) error {
		e, ok := st.executions[id]
		if !ok {
			return ErrNotFound
		}
		permitted := false
		for _, status := range allowed {
			if e.Status == status {
				permitted = true
				break
			}
		}
		if !permitted {
			return ErrTerminal
		}
		fn(&e)
		st.executions[id] = e
		out = st.withPromptName(e)
		return nil
	})
	return out, err
}

var liveStatuses = []string{models.ExecutionStatusQueued, models.ExecutionStatusRunning}

func (s *memSession) MarkExecutionRunning(ctx context.Context, id uuid.UUID, startedAt time.Time) (models.Execution, error) {
	return s.mutateExecution(id, liveStatuses, func(e *models.Execution) {
		e.Status = models.ExecutionStatusRunning
		if e.StartedAt == nil {
			t := startedAt
			e.StartedAt = &t
		}
	})
}

func (s *memSession) CompleteExecution(ctx context.Context, in ExecutionCompletion) (models.Execution, error) {
	if !models.IsTerminalStatus(in.Status) {
		return models.Execution{}, fmt.Errorf("complete execution: %q is not a terminal status", in.Status)
	}
	return s.mutateExecution(in.ID, liveStatuses, func(e *models.Execution) {
		e.Status = in.Status
		e.ResponseText = in.ResponseText
		e.Telemetry = models.Telemetry{
			PromptTokens:   in.PromptTokens,
			ResponseTokens: in.ResponseTokens,
			LatencyMS:      in.LatencyMS,
		}
		e.ProviderRequestID = in.ProviderRequestID
		e.ErrorType = in.ErrorType
		e.ErrorMessage = in.ErrorMessage
		t := in.CompletedAt
		e.CompletedAt = &t
	})
}

func (s *memSession) CancelExecution(ctx context.Context, id uuid.UUID, at time.Time) (models.Execution, error) {
	return s.mutateExecution(id, []string{models.ExecutionStatusQueued}, func(e *models.Execution) {
		e.Status = models.ExecutionStatusCanceled
		t := at
		e.CompletedAt = &t
	})
}

func (s *memSession) ExecutionStats(ctx context.Context, mode string) (models.ModeStats, error) {
	var stats models.ModeStats
	err := s.read(func(st *memState) error {
		var (
			latencyTotal int
			latencyCount int
		)
		for _, p := range st.prompts {
			if p.Mode == mode {
				stats.PromptCount++
			}
		}
		for _, e := range st.executions {
			p, ok := st.prompts[e.PromptID]
			if !ok || p.Mode != mode {
				continue
			}
			stats.ExecutionCount++
			if e.Telemetry.LatencyMS != nil {
				latencyTotal += *e.Telemetry.LatencyMS
				latencyCount++
			}
		}
		if latencyCount > 0 {
			stats.AvgLatencyMS = int(math.Round(float64(latencyTotal) / float64(latencyCount)))
		}
		return nil
	})
	return stats, err
}

// Spans

func (s *memSession) CreateSpan(ctx context.Context, in SpanInput) (models.Span, error) {
	var out models.Span
	err := s.write(func(st *memState) error {
		if in.ParentSpanID != nil {
			if _, ok := st.spans[*in.ParentSpanID]; !ok {
				return fmt.Errorf("insert span: parent %s does not exist", *in.ParentSpanID)
			}
		}
		if in.ExecutionID != nil {
			if _, ok := st.executions[*in.ExecutionID]; !ok {
				return fmt.Errorf("insert span: execution %s does not exist", *in.ExecutionID)
			}
			for _, sp := range st.spans {
				if sp.ExecutionID != nil && *sp.ExecutionID == *in.ExecutionID {
					return conflict("uq_spans_execution")
				}
			}
		}
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		if _, exists := st.spans[in.ID]; exists {
			return conflict("spans_pkey")
		}
		if in.StartTime.IsZero() {
			in.StartTime = now()
		}
		if in.Status == "" {
			in.Status = models.SpanStatusOK
		}
		out = models.Span{
			ID:               in.ID,
			TraceID:          in.TraceID,
			ParentSpanID:     in.ParentSpanID,
			Name:             in.Name,
			Kind:             in.Kind,
			StartTime:        in.StartTime,
			EndTime:          in.EndTime,
			DurationMS:       in.DurationMS,
			Status:           in.Status,
			ErrorMessage:     in.ErrorMessage,
			InputData:        copyJSON(in.InputData),
			OutputData:       copyJSON(in.OutputData),
			Attributes:       copyJSON(in.Attributes),
			Model:            in.Model,
			PromptTokens:     in.PromptTokens,
			CompletionTokens: in.CompletionTokens,
			ExecutionID:      in.ExecutionID,
		}
		st.spans[out.ID] = out
		st.spanSeq[out.ID] = st.next()
		return nil
	})
	return out, err
}

func (s *memSession) GetSpan(ctx context.Context, id uuid.UUID) (models.Span, error) {
	var out models.Span
	err := s.read(func(st *memState) error {
		sp, ok := st.spans[id]
		if !ok {
			return ErrNotFound
		}
		out = sp
		return nil
	})
	return out, err
}

func (s *memSession) GetSpanByExecution(ctx context.Context, executionID uuid.UUID) (models.Span, error) {
	var out models.Span
	err := s.read(func(st *memState) error {
		for _, sp := range st.spans {
			if sp.ExecutionID != nil && *sp.ExecutionID == executionID {
				out = sp
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (s *memSession) EndSpan(ctx context.Context, in SpanEnd) (models.Span, error) {
	var out models.Span
	err := s.write(func(st *memState) error {
		sp, ok := st.spans[in.ID]
		if !ok {
			return ErrNotFound
		}
		if sp.EndTime != nil {
			return fmt.Errorf("end span: %w: span already ended", ErrConflict)
		}
		end := in.EndTime
		duration := in.DurationMS
		sp.EndTime = &end
		sp.DurationMS = &duration
		sp.Status = in.Status
		sp.ErrorMessage = in.ErrorMessage
		if len(in.OutputData) > 0 {
			sp.OutputData = copyJSON(in.OutputData)
		}
		if in.Model != nil {
			sp.Model = in.Model
		}
		if in.PromptTokens != nil {
			sp.PromptTokens = in.PromptTokens
		}
		if in.CompletionTokens != nil {
			sp.CompletionTokens = in.CompletionTokens
		}
		st.spans[in.ID] = sp
		out = sp
		return nil
	})
	return out, err
}

func (s *memSession) listSpans(match func(models.Span) bool) ([]models.Span, error) {
	var out []models.Span
	err := s.read(func(st *memState) error {
		for _, sp := range st.spans {
			if match(sp) {
				out = append(out, sp)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartTime.Equal(out[j].StartTime) {
				return out[i].StartTime.Before(out[j].StartTime)
			}
			return st.spanSeq[out[i].ID] < st.spanSeq[out[j].ID]
		})
		return nil
	})
	return out, err
}

func (s *memSession) ListSpansByTrace(ctx context.Context, traceID string) ([]models.Span, error) {
	return s.listSpans(func(sp models.Span) bool { return sp.TraceID == traceID })
}

func (s *memSession) ListChildSpans(ctx context.Context, parentID uuid.UUID) ([]models.Span, error) {
	return s.listSpans(func(sp models.Span) bool {
		return sp.ParentSpanID != nil && *sp.ParentSpanID == parentID
	})
}

func (s *memSession) DeleteSpan(ctx context.Context, id uuid.UUID) error {
	return s.write(func(st *memState) error {
		if _, ok := st.spans[id]; !ok {
			return ErrNotFound
		}
		doomed := map[uuid.UUID]bool{id: true}
		for changed := true; changed; {
			changed = false
			for sid, sp := range st.spans {
				if doomed[sid] || sp.ParentSpanID == nil || !doomed[*sp.ParentSpanID] {
					continue
				}
				doomed[sid] = true
				changed = true
			}
		}
		for sid := range doomed {
			delete(st.spans, sid)
			delete(st.spanSeq, sid)
		}
		return nil
	})
}
