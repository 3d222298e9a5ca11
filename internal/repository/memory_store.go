package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// MemoryStore is an in-process Store. Every read returns a copy so callers can
// never mutate stored state outside Commit.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*ApprovalRequest
	stages      map[string]map[int]*StageInstance
	decisions   map[string][]*Decision
	escalations map[string][]*EscalationEvent
	audit       map[string][]*AuditEntry

	// failNext makes the next Commit or Append fail; used to exercise
	// transactional behaviour in tests.
	failNext error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*ApprovalRequest),
		stages:      make(map[string]map[int]*StageInstance),
		decisions:   make(map[string][]*Decision),
		escalations: make(map[string][]*EscalationEvent),
		audit:       make(map[string][]*AuditEntry),
	}
}

// FailNext makes the next write return err.
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *MemoryStore) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

// Commit implements Store.
func (s *MemoryStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := ctx.Err(); err != nil {
		return errors.Persistence(err, "commit aborted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.takeFailure(); err != nil {
		return errors.Persistence(err, "commit failed")
	}

	// Validate before touching anything.
	if cs.Request != nil {
		current, exists := s.requests[cs.Request.ID]
		switch {
		case cs.ExpectedVersion == 0 && exists:
			return errors.New(errors.ErrCodeConflict, fmt.Sprintf("approval request %s already exists", cs.Request.ID))
		case cs.ExpectedVersion > 0 && !exists:
			return errors.NotFound("approval_request", cs.Request.ID)
		case cs.ExpectedVersion > 0 && current.Version != cs.ExpectedVersion:
			return errors.Persistence(
				fmt.Errorf("version %d, expected %d", current.Version, cs.ExpectedVersion),
				"concurrent modification of approval request "+cs.Request.ID)
		}
	}

	if cs.Request != nil {
		s.requests[cs.Request.ID] = cs.Request.Clone()
	}
	for _, st := range cs.Stages {
		byIndex, ok := s.stages[st.RequestID]
		if !ok {
			byIndex = make(map[int]*StageInstance)
			s.stages[st.RequestID] = byIndex
		}
		byIndex[st.StageIndex] = st.Clone()
	}
	for _, d := range cs.Decisions {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		cp := *d
		s.decisions[d.RequestID] = append(s.decisions[d.RequestID], &cp)
	}
	for _, e := range cs.Escalations {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		cp := *e
		cp.EscalatedFrom = append([]string(nil), e.EscalatedFrom...)
		cp.EscalatedTo = append([]string(nil), e.EscalatedTo...)
		s.escalations[e.RequestID] = append(s.escalations[e.RequestID], &cp)
	}
	s.appendLocked(cs.Audit)
	return nil
}

// Append implements AuditStore.
func (s *MemoryStore) Append(ctx context.Context, entries ...*AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return errors.Persistence(err, "append aborted")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return errors.Persistence(err, "append audit entry")
	}
	s.appendLocked(entries)
	return nil
}

func (s *MemoryStore) appendLocked(entries []*AuditEntry) {
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		cp := *e
		s.audit[e.RequestID] = append(s.audit[e.RequestID], &cp)
	}
}

// LatestAudit implements AuditStore.
func (s *MemoryStore) LatestAudit(ctx context.Context, requestID, action string, notAfter time.Time) (*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *AuditEntry
	for _, e := range s.audit[requestID] {
		if e.Action != action || e.Timestamp.After(notAfter) {
			continue
		}
		if latest == nil || !e.Timestamp.Before(latest.Timestamp) {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// ListAudit implements AuditStore.
func (s *MemoryStore) ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEntry, 0, len(s.audit[requestID]))
	for _, e := range s.audit[requestID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// GetRequest implements Store.
func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return r.Clone(), nil
}

// GetStage implements Store.
func (s *MemoryStore) GetStage(ctx context.Context, requestID string, stageIndex int) (*StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stages[requestID][stageIndex]
	if !ok {
		return nil, errors.NotFound("stage_instance", fmt.Sprintf("%s/%d", requestID, stageIndex))
	}
	return st.Clone(), nil
}

// ListStages implements Store.
func (s *MemoryStore) ListStages(ctx context.Context, requestID string) ([]*StageInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StageInstance
	for _, st := range s.stages[requestID] {
		out = append(out, st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageIndex < out[j].StageIndex })
	return out, nil
}

// ListOpenStages implements Store.
func (s *MemoryStore) ListOpenStages(ctx context.Context) ([]*StageInstance, error) {
	return s.filterStages(func(st *StageInstance) bool { return st.Open }), nil
}

// ListPendingFor implements Store.
func (s *MemoryStore) ListPendingFor(ctx context.Context, approver string) ([]*StageInstance, error) {
	return s.filterStages(func(st *StageInstance) bool { return st.Open && st.IsPending(approver) }), nil
}

func (s *MemoryStore) filterStages(keep func(*StageInstance) bool) []*StageInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StageInstance
	for _, byIndex := range s.stages {
		for _, st := range byIndex {
			if keep(st) {
				out = append(out, st.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// ListDecisions implements Store.
func (s *MemoryStore) ListDecisions(ctx context.Context, requestID string) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Decision, 0, len(s.decisions[requestID]))
	for _, d := range s.decisions[requestID] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// ListEscalations implements Store.
func (s *MemoryStore) ListEscalations(ctx context.Context, requestID string) ([]*EscalationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EscalationEvent, 0, len(s.escalations[requestID]))
	for _, e := range s.escalations[requestID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}
