package history

import (
	"context"
	"sort"
	"sync"

	"github.com/avisto/stepline/pkg/api"
)

// MemoryHistory is a process-lifetime History backend guarded by a mutex.
// It is the default for tests and lightweight deployments; everything is
// lost on restart.
type MemoryHistory struct {
	mu      sync.Mutex
	byName  map[string][]*api.ExecutionRecord
	arrival map[*api.ExecutionRecord]int
	nextSeq int
}

var _ api.History = (*MemoryHistory)(nil)

// NewMemoryHistory creates an empty in-memory history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		byName:  make(map[string][]*api.ExecutionRecord),
		arrival: make(map[*api.ExecutionRecord]int),
	}
}

func (h *MemoryHistory) Record(ctx context.Context, rec *api.ExecutionRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Records are never mutated after being handed over, so a shallow copy
	// of the record plus its own steps slice keeps the stored state
	// independent of the caller.
	stored := *rec
	stored.Steps = append([]api.StepRecord(nil), rec.Steps...)

	h.byName[rec.WorkflowName] = append(h.byName[rec.WorkflowName], &stored)
	h.arrival[&stored] = h.nextSeq
	h.nextSeq++
	return nil
}

func (h *MemoryHistory) GetHistory(ctx context.Context, workflowName string) ([]*api.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return copyRecords(h.byName[workflowName]), nil
}

func (h *MemoryHistory) GetAll(ctx context.Context) (map[string][]*api.ExecutionRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string][]*api.ExecutionRecord, len(h.byName))
	for name, recs := range h.byName {
		out[name] = copyRecords(recs)
	}
	return out, nil
}

func (h *MemoryHistory) GetRecent(ctx context.Context, limit int) ([]*api.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	all := make([]*api.ExecutionRecord, 0, h.nextSeq)
	for _, recs := range h.byName {
		all = append(all, recs...)
	}
	// Arrival order breaks ties between runs that started in the same
	// instant, which happens routinely in tests.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.After(all[j].StartedAt)
		}
		return h.arrival[all[i]] > h.arrival[all[j]]
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return copyRecords(all), nil
}

func copyRecords(recs []*api.ExecutionRecord) []*api.ExecutionRecord {
	out := make([]*api.ExecutionRecord, len(recs))
	for i, r := range recs {
		c := *r
		c.Steps = append([]api.StepRecord(nil), r.Steps...)
		out[i] = &c
	}
	return out
}
