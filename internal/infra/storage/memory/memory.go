package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
)

// MemoryStorage backs the in-memory repositories. It mirrors the durable
// schema's uniqueness and claim semantics under a single mutex, which is
// what the concurrency tests lean on.
type MemoryStorage struct {
	candidates map[string]*domain.RecoveryCandidate // by id
	byDedup    map[string]string                    // dedup key -> id
	provenance map[string][]*domain.ProvenanceEvent
	inputs     map[string][]*domain.SuggestionInput
	catalog    map[string]*domain.ActionCatalogEntry
	tasks      map[string]*domain.QueueTask
	deadLetter map[string]*domain.DeadLetterEntry
	replayed   map[string]bool
	locks      map[string]*domain.DistributedLock
	outbox     map[string]*domain.OutboxEvent
	mu         sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candidates: make(map[string]*domain.RecoveryCandidate),
		byDedup:    make(map[string]string),
		provenance: make(map[string][]*domain.ProvenanceEvent),
		inputs:     make(map[string][]*domain.SuggestionInput),
		catalog:    make(map[string]*domain.ActionCatalogEntry),
		tasks:      make(map[string]*domain.QueueTask),
		deadLetter: make(map[string]*domain.DeadLetterEntry),
		replayed:   make(map[string]bool),
		locks:      make(map[string]*domain.DistributedLock),
		outbox:     make(map[string]*domain.OutboxEvent),
	}
}

// -----------------------------------------------------------------------------
// Candidate Repository
// -----------------------------------------------------------------------------

type CandidateRepo struct {
	store *MemoryStorage
}

func NewCandidateRepo(store *MemoryStorage) *CandidateRepo {
	return &CandidateRepo{store: store}
}

// ErrDuplicate mimics the durable store's unique violation.
var ErrDuplicate = storage.ErrDuplicateKey

func (r *CandidateRepo) Insert(ctx context.Context, c *domain.RecoveryCandidate) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := c.DedupKey()
	if _, exists := r.store.byDedup[key]; exists {
		return ErrDuplicate
	}
	cp := *c
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.store.candidates[c.ID] = &cp
	r.store.byDedup[key] = c.ID
	return nil
}

func (r *CandidateRepo) IncrementOccurrence(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	id, ok := r.store.byDedup[dedupKey]
	if !ok {
		return nil, nil
	}
	c := r.store.candidates[id]
	c.OccurrenceCount++
	c.UpdatedAt = time.Now()
	cp := *c
	return &cp, nil
}

func (r *CandidateRepo) FindByDedupKey(ctx context.Context, dedupKey string) (*domain.RecoveryCandidate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	id, ok := r.store.byDedup[dedupKey]
	if !ok {
		return nil, nil
	}
	cp := *r.store.candidates[id]
	return &cp, nil
}

func (r *CandidateRepo) GetByID(ctx context.Context, id string) (*domain.RecoveryCandidate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.candidates[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (r *CandidateRepo) ListPending(ctx context.Context, limit int) ([]*domain.RecoveryCandidate, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.RecoveryCandidate
	for _, c := range r.store.candidates {
		if c.Execution == domain.ExecutionPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CandidateRepo) SetSuggestion(ctx context.Context, id, action string, confidence float64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.candidates[id]; ok {
		c.SuggestedAction = action
		c.Confidence = confidence
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (r *CandidateRepo) ClaimExecution(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.candidates[id]
	if !ok || c.Execution != domain.ExecutionPending {
		return false, nil
	}
	c.Execution = domain.ExecutionExecuting
	c.UpdatedAt = time.Now()
	return true, nil
}

func (r *CandidateRepo) FinishExecution(ctx context.Context, id string, state domain.ExecutionState, result string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.candidates[id]
	if !ok || c.Execution != domain.ExecutionExecuting {
		return nil
	}
	now := time.Now()
	c.Execution = state
	c.SelectedAction = c.SuggestedAction
	c.ExecutionResult = result
	c.ExecutedAt = &now
	c.UpdatedAt = now
	return nil
}

// -----------------------------------------------------------------------------
// Provenance / Suggestion Inputs
// -----------------------------------------------------------------------------

type ProvenanceRepo struct {
	store *MemoryStorage
}

func NewProvenanceRepo(store *MemoryStorage) *ProvenanceRepo {
	return &ProvenanceRepo{store: store}
}

func (r *ProvenanceRepo) Append(ctx context.Context, e *domain.ProvenanceEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.store.provenance[e.CandidateID] = append(r.store.provenance[e.CandidateID], &cp)
	return nil
}

func (r *ProvenanceRepo) ListByCandidate(ctx context.Context, candidateID string) ([]*domain.ProvenanceEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	events := r.store.provenance[candidateID]
	out := make([]*domain.ProvenanceEvent, len(events))
	copy(out, events)
	return out, nil
}

type SuggestionInputRepo struct {
	store *MemoryStorage
}

func NewSuggestionInputRepo(store *MemoryStorage) *SuggestionInputRepo {
	return &SuggestionInputRepo{store: store}
}

func (r *SuggestionInputRepo) AppendBatch(ctx context.Context, inputs []*domain.SuggestionInput) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, in := range inputs {
		cp := *in
		r.store.inputs[in.CandidateID] = append(r.store.inputs[in.CandidateID], &cp)
	}
	return nil
}

func (r *SuggestionInputRepo) ListByCandidate(ctx context.Context, candidateID string) ([]*domain.SuggestionInput, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	inputs := r.store.inputs[candidateID]
	out := make([]*domain.SuggestionInput, len(inputs))
	copy(out, inputs)
	return out, nil
}

// -----------------------------------------------------------------------------
// Action Catalog
// -----------------------------------------------------------------------------

type CatalogRepo struct {
	store *MemoryStorage
}

func NewCatalogRepo(store *MemoryStorage) *CatalogRepo {
	return &CatalogRepo{store: store}
}

// Seed loads entries, replacing whatever exists. Test helper.
func (r *CatalogRepo) Seed(entries ...*domain.ActionCatalogEntry) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range entries {
		cp := *e
		r.store.catalog[e.Code] = &cp
	}
}

func (r *CatalogRepo) List(ctx context.Context, category string) ([]*domain.ActionCatalogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.ActionCatalogEntry
	for _, e := range r.store.catalog {
		if !e.Active {
			continue
		}
		if category != "" && e.Category != category {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

func (r *CatalogRepo) GetByCode(ctx context.Context, code string) (*domain.ActionCatalogEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.catalog[code]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *CatalogRepo) RecordOutcome(ctx context.Context, code string, succeeded bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.catalog[code]
	if !ok {
		return nil
	}
	win := 0.0
	if succeeded {
		win = 1.0
	}
	total := float64(e.ApplicationCount)
	e.SuccessRate = (e.SuccessRate*total + win) / (total + 1)
	e.ApplicationCount++
	return nil
}

func (r *CatalogRepo) RefreshStats(ctx context.Context) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	type agg struct{ total, wins int }
	byAction := make(map[string]*agg)
	for _, c := range r.store.candidates {
		if !c.Execution.Terminal() || c.Execution == domain.ExecutionSkipped || c.SelectedAction == "" {
			continue
		}
		a := byAction[c.SelectedAction]
		if a == nil {
			a = &agg{}
			byAction[c.SelectedAction] = a
		}
		a.total++
		if c.Execution == domain.ExecutionSucceeded {
			a.wins++
		}
	}
	for code, a := range byAction {
		if e, ok := r.store.catalog[code]; ok {
			e.ApplicationCount = a.total
			e.SuccessRate = float64(a.wins) / float64(a.total)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fallback Queue
// -----------------------------------------------------------------------------

type FallbackQueueRepo struct {
	store *MemoryStorage
}

func NewFallbackQueueRepo(store *MemoryStorage) *FallbackQueueRepo {
	return &FallbackQueueRepo{store: store}
}

func (r *FallbackQueueRepo) Enqueue(ctx context.Context, t *domain.QueueTask) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *t
	if cp.EnqueuedAt.IsZero() {
		cp.EnqueuedAt = time.Now()
	}
	r.store.tasks[t.ID] = &cp
	return nil
}

func (r *FallbackQueueRepo) ClaimNext(ctx context.Context, workerID string) (*domain.QueueTask, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var next *domain.QueueTask
	for _, t := range r.store.tasks {
		if t.ClaimedBy != "" || t.CompletedAt != nil {
			continue
		}
		if next == nil || t.Priority > next.Priority ||
			(t.Priority == next.Priority && t.EnqueuedAt.Before(next.EnqueuedAt)) {
			next = t
		}
	}
	if next == nil {
		return nil, nil
	}
	now := time.Now()
	next.ClaimedBy = workerID
	next.ClaimedAt = &now
	cp := *next
	return &cp, nil
}

func (r *FallbackQueueRepo) Complete(ctx context.Context, id string, succeeded bool, errMsg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if t, ok := r.store.tasks[id]; ok {
		now := time.Now()
		t.CompletedAt = &now
		t.Succeeded = succeeded
		t.LastError = errMsg
	}
	return nil
}

func (r *FallbackQueueRepo) ReleaseStale(ctx context.Context, age time.Duration) ([]*domain.QueueTask, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cutoff := time.Now().Add(-age)
	var out []*domain.QueueTask
	for _, t := range r.store.tasks {
		if t.ClaimedBy != "" && t.CompletedAt == nil && t.ClaimedAt != nil && t.ClaimedAt.Before(cutoff) {
			t.ClaimedBy = ""
			t.ClaimedAt = nil
			t.Attempts++
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *FallbackQueueRepo) GetExhausted(ctx context.Context, maxAttempts int) ([]*domain.QueueTask, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.QueueTask
	for _, t := range r.store.tasks {
		if t.CompletedAt == nil && t.Attempts >= maxAttempts {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *FallbackQueueRepo) Delete(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.tasks, id)
	return nil
}

func (r *FallbackQueueRepo) CountPending(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, t := range r.store.tasks {
		if t.ClaimedBy == "" && t.CompletedAt == nil {
			count++
		}
	}
	return count, nil
}

func (r *FallbackQueueRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for id, t := range r.store.tasks {
		if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			count++
			if !dryRun {
				delete(r.store.tasks, id)
			}
		}
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// Dead Letter + Replay Ledger
// -----------------------------------------------------------------------------

type DeadLetterRepo struct {
	store *MemoryStorage
}

func NewDeadLetterRepo(store *MemoryStorage) *DeadLetterRepo {
	return &DeadLetterRepo{store: store}
}

func (r *DeadLetterRepo) Archive(ctx context.Context, e *domain.DeadLetterEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, exists := r.store.deadLetter[e.ID]; exists {
		return nil
	}
	cp := *e
	if cp.ArchivedAt.IsZero() {
		cp.ArchivedAt = time.Now()
	}
	cp.Payload = append([]byte(nil), e.Payload...)
	r.store.deadLetter[e.ID] = &cp
	return nil
}

func (r *DeadLetterRepo) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.deadLetter[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (r *DeadLetterRepo) List(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.DeadLetterEntry
	for _, e := range r.store.deadLetter {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeadLetterRepo) RecordReplay(ctx context.Context, entryID, actor string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if r.store.replayed[entryID] {
		return false, nil
	}
	r.store.replayed[entryID] = true
	return true, nil
}

func (r *DeadLetterRepo) ClearReplay(ctx context.Context, entryID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.replayed, entryID)
	return nil
}

// -----------------------------------------------------------------------------
// Distributed Locks
// -----------------------------------------------------------------------------

type LockRepo struct {
	store *MemoryStorage
}

func NewLockRepo(store *MemoryStorage) *LockRepo {
	return &LockRepo{store: store}
}

func (r *LockRepo) Acquire(ctx context.Context, name, holder string, ttl time.Duration) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	if l, ok := r.store.locks[name]; ok && !l.Expired(now) {
		return storage.ErrLockHeld
	}
	r.store.locks[name] = &domain.DistributedLock{
		Name:       name,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return nil
}

func (r *LockRepo) Extend(ctx context.Context, name, holder string, ttl time.Duration) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	l, ok := r.store.locks[name]
	if !ok || l.Holder != holder || l.Expired(now) {
		return storage.ErrNotHolder
	}
	l.ExpiresAt = now.Add(ttl)
	return nil
}

func (r *LockRepo) Release(ctx context.Context, name, holder string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	l, ok := r.store.locks[name]
	if !ok || l.Holder != holder {
		return storage.ErrNotHolder
	}
	delete(r.store.locks, name)
	return nil
}

func (r *LockRepo) List(ctx context.Context) ([]*domain.DistributedLock, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.DistributedLock
	for _, l := range r.store.locks {
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// -----------------------------------------------------------------------------
// Outbox
// -----------------------------------------------------------------------------

type OutboxRepo struct {
	store *MemoryStorage
}

func NewOutboxRepo(store *MemoryStorage) *OutboxRepo {
	return &OutboxRepo{store: store}
}

func (r *OutboxRepo) Enqueue(ctx context.Context, e *domain.OutboxEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *e
	if cp.PublishedAt.IsZero() {
		cp.PublishedAt = time.Now()
	}
	cp.Payload = append([]byte(nil), e.Payload...)
	r.store.outbox[e.ID] = &cp
	return nil
}

func (r *OutboxRepo) ClaimDue(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	now := time.Now()
	var out []*domain.OutboxEvent
	for _, e := range r.store.outbox {
		if e.ProcessedAt != nil {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		lease := now.Add(time.Minute)
		e.NextRetryAt = &lease
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out, nil
}

func (r *OutboxRepo) MarkProcessed(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.outbox[id]; ok {
		now := time.Now()
		e.ProcessedAt = &now
	}
	return nil
}

func (r *OutboxRepo) ScheduleRetry(ctx context.Context, id string, next time.Time, errMsg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.outbox[id]; ok {
		e.RetryCount++
		e.NextRetryAt = &next
		e.LastError = errMsg
	}
	return nil
}

func (r *OutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, dryRun bool) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	count := 0
	for id, e := range r.store.outbox {
		if e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			count++
			if !dryRun {
				delete(r.store.outbox, id)
			}
		}
	}
	return count, nil
}

// SetDecision overrides a candidate's decision state. Test helper standing
// in for the operator approval surface.
func (s *MemoryStorage) SetDecision(id string, d domain.DecisionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[id]; ok {
		c.Decision = d
	}
}

// MarshalTask is a test helper mirroring the archival payload shape.
func MarshalTask(t *domain.QueueTask) []byte {
	b, _ := json.Marshal(t)
	return b
}

// -----------------------------------------------------------------------------
// Execution Committer
// -----------------------------------------------------------------------------

// ExecutionCommitter implements storage.ExecutionCommitter over the shared
// store mutex, which gives the same all-or-nothing visibility the durable
// transaction does.
type ExecutionCommitter struct {
	candidates *CandidateRepo
	provenance *ProvenanceRepo
	catalog    *CatalogRepo
	outbox     *OutboxRepo
}

func NewExecutionCommitter(store *MemoryStorage) *ExecutionCommitter {
	return &ExecutionCommitter{
		candidates: NewCandidateRepo(store),
		provenance: NewProvenanceRepo(store),
		catalog:    NewCatalogRepo(store),
		outbox:     NewOutboxRepo(store),
	}
}

func (c *ExecutionCommitter) CommitExecution(
	ctx context.Context,
	candidateID string,
	state domain.ExecutionState,
	result string,
	prov *domain.ProvenanceEvent,
	outbox *domain.OutboxEvent,
	actionCode string,
	succeeded bool,
) error {
	if err := c.candidates.FinishExecution(ctx, candidateID, state, result); err != nil {
		return err
	}
	if prov != nil {
		if err := c.provenance.Append(ctx, prov); err != nil {
			return err
		}
	}
	if outbox != nil {
		if err := c.outbox.Enqueue(ctx, outbox); err != nil {
			return err
		}
	}
	if actionCode != "" {
		if err := c.catalog.RecordOutcome(ctx, actionCode, succeeded); err != nil {
			return err
		}
	}
	return nil
}
