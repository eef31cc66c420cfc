package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process backend with the same contract as Store.
// Nothing survives the process.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	docs   map[string]Snapshot
	logs   map[string][]Update
	bases  map[string]Base
	files  map[string]FileIndexRow
}

// NewMemory returns an empty in-memory backend.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:   o.now,
		docs:  make(map[string]Snapshot),
		logs:  make(map[string][]Update),
		bases: make(map[string]Base),
		files: make(map[string]FileIndexRow),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (m *Memory) LoadDoc(_ context.Context, name string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.docs[name]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap.State = cloneBytes(snap.State)
	snap.Summary = cloneBytes(snap.Summary)
	return snap, true, nil
}

func (m *Memory) SaveDoc(_ context.Context, name string, state, summary []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = Snapshot{
		DocName:   name,
		State:     cloneBytes(nonNil(state)),
		Summary:   cloneBytes(nonNil(summary)),
		UpdatedAt: m.now().UnixMilli(),
	}
	return nil
}

func (m *Memory) DeleteDoc(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, name)
	delete(m.logs, name)
	delete(m.bases, name)
	return nil
}

func (m *Memory) ListDocs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for name := range m.docs {
		seen[name] = true
	}
	for name, log := range m.logs {
		if len(log) > 0 {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) AppendUpdate(_ context.Context, u Update) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	u.ID = m.nextID
	if u.Timestamp == 0 {
		u.Timestamp = m.now().UnixMilli()
	}
	u.Data = cloneBytes(u.Data)
	m.logs[u.DocName] = append(m.logs[u.DocName], u)
	return u.ID, nil
}

func (m *Memory) GetUpdatesSince(_ context.Context, name string, afterID int64) ([]Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Update{}
	for _, u := range m.logs[name] {
		if u.ID > afterID {
			u.Data = cloneBytes(u.Data)
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *Memory) GetAllUpdates(ctx context.Context, name string) ([]Update, error) {
	return m.GetUpdatesSince(ctx, name, 0)
}

func (m *Memory) GetLatestUpdateID(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := m.bases[name].Floor
	if log := m.logs[name]; len(log) > 0 && log[len(log)-1].ID > latest {
		latest = log[len(log)-1].ID
	}
	return latest, nil
}

func (m *Memory) CompactionBase(_ context.Context, name string) (Base, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bases[name]
	b.State = cloneBytes(b.State)
	return b, nil
}

func (m *Memory) Compact(_ context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("compact %s: keep must be >= 0, got %d", name, keep)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[name]
	plan, err := PlanCompaction(m.bases[name], m.docs[name].State, log, keep)
	if err != nil {
		return 0, fmt.Errorf("compact %s: %w", name, err)
	}
	if plan.Folded == 0 {
		return 0, nil
	}
	m.docs[name] = Snapshot{
		DocName:   name,
		State:     plan.Snapshot,
		Summary:   plan.Summary,
		UpdatedAt: m.now().UnixMilli(),
	}
	m.bases[name] = Base{Floor: plan.Floor, State: plan.Base}
	m.logs[name] = append([]Update(nil), log[plan.Folded:]...)
	return plan.Folded, nil
}

func (m *Memory) UpdateFileIndex(_ context.Context, rows []FileIndexRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.files[r.Path] = r
	}
	return nil
}

func (m *Memory) QueryActiveFiles(_ context.Context) ([]FileIndexRow, error) {
	return m.queryFiles(false), nil
}

func (m *Memory) QueryAllFiles(_ context.Context) ([]FileIndexRow, error) {
	return m.queryFiles(true), nil
}

func (m *Memory) queryFiles(includeDeleted bool) []FileIndexRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []FileIndexRow{}
	for _, r := range m.files {
		if r.Deleted && !includeDeleted {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *Memory) RemoveFromFileIndex(_ context.Context, paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.files, p)
	}
	return nil
}

func (m *Memory) PurgeDeletedFiles(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := olderThan.UnixMilli()
	var n int64
	for p, r := range m.files {
		if r.Deleted && r.ModifiedAt < cutoff {
			delete(m.files, p)
			n++
		}
	}
	return n, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
