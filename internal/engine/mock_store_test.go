package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/playbook/internal/store"
	"github.com/rendis/playbook/pkg/schema"
)

// memStore is an in-memory ExecutionStore, DefinitionStore and event log
// with the same owner and sealing guards as the SQL store.
type memStore struct {
	mu     sync.Mutex
	execs  map[string]*schema.Execution
	order  []string
	defs   map[string]map[int]*schema.PlaybookDefinition
	events []*store.Event
	seq    map[string]int64
}

func newMemStore() *memStore {
	return &memStore{
		execs: make(map[string]*schema.Execution),
		defs:  make(map[string]map[int]*schema.PlaybookDefinition),
		seq:   make(map[string]int64),
	}
}

func (m *memStore) CreateExecution(_ context.Context, exec *schema.Execution) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.Owner == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "owner is required")
	}
	cp := exec.Snapshot()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = schema.ExecutionStatusPending
	}
	m.execs[cp.ID] = cp
	m.order = append(m.order, cp.ID)
	return cp.ID, nil
}

func (m *memStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if exec.Owner != update.Owner {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is owned by another orchestrator", id)
	}
	if exec.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", id, exec.Status)
	}

	// Copy through Snapshot so the caller keeps ownership of its maps.
	src := (&schema.Execution{
		Results:        update.Results,
		ErrorLogs:      update.ErrorLogs,
		CompletedSteps: update.CompletedSteps,
	}).Snapshot()
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Results != nil {
		exec.Results = src.Results
	}
	if update.ErrorLogs != nil {
		exec.ErrorLogs = src.ErrorLogs
	}
	if update.CompletedSteps != nil {
		exec.CompletedSteps = src.CompletedSteps
	}
	if update.Metrics != nil {
		exec.Metrics = *update.Metrics
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		exec.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		exec.CompletedAt = &t
	}
	return nil
}

func (m *memStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.execs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	return exec.Snapshot(), nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*schema.Execution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Execution
	for _, id := range m.order {
		e := m.execs[id]
		if filter.PlaybookID != "" && e.PlaybookID != filter.PlaybookID {
			continue
		}
		if filter.CustomerID != "" && e.CustomerID != filter.CustomerID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Snapshot())
	}
	return out, len(out), nil
}

func (m *memStore) executionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.execs)
}

func (m *memStore) CreatePlaybook(_ context.Context, def *schema.PlaybookDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.defs[def.ID]
	if !ok {
		versions = make(map[int]*schema.PlaybookDefinition)
		m.defs[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "playbook %q version %d already exists", def.ID, def.Version)
	}
	if def.Status == "" {
		def.Status = schema.PlaybookStatusDraft
	}
	cp := *def
	versions[def.Version] = &cp
	return nil
}

func (m *memStore) GetPlaybook(_ context.Context, id string, version int) (*schema.PlaybookDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id][version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q version %d not found", id, version)
	}
	cp := *def
	return &cp, nil
}

func (m *memStore) GetActivePlaybook(_ context.Context, id string) (*schema.PlaybookDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, def := range m.defs[id] {
		if def.Status == schema.PlaybookStatusActive {
			cp := *def
			return &cp, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q has no active version", id)
}

func (m *memStore) LatestVersion(_ context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := 0
	for v := range m.defs[id] {
		if v > latest {
			latest = v
		}
	}
	return latest, nil
}

func (m *memStore) ActivatePlaybook(_ context.Context, id string, version int, digest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id][version]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q version %d not found", id, version)
	}
	if def.Status != schema.PlaybookStatusDraft {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "playbook %q version %d is %s", id, version, def.Status)
	}
	for _, other := range m.defs[id] {
		if other.Status == schema.PlaybookStatusActive {
			other.Status = schema.PlaybookStatusArchived
		}
	}
	def.Status = schema.PlaybookStatusActive
	def.Digest = digest
	return nil
}

func (m *memStore) ArchivePlaybook(_ context.Context, id string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id][version]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q version %d not found", id, version)
	}
	if def.Status == schema.PlaybookStatusArchived {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "playbook %q version %d is already archived", id, version)
	}
	def.Status = schema.PlaybookStatusArchived
	return nil
}

func (m *memStore) ListPlaybooks(_ context.Context, filter store.PlaybookFilter) ([]*schema.PlaybookDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.PlaybookDefinition
	for id, versions := range m.defs {
		if filter.ID != "" && id != filter.ID {
			continue
		}
		for _, def := range versions {
			if filter.Status != "" && def.Status != filter.Status {
				continue
			}
			cp := *def
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *memStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.ExecutionID]++
	event.Sequence = m.seq[event.ExecutionID]
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// eventTypes returns the types of the events of one execution, in order.
func (m *memStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

var (
	_ store.ExecutionStore  = (*memStore)(nil)
	_ store.DefinitionStore = (*memStore)(nil)
	_ EventAppender         = (*memStore)(nil)
)
