package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/roach88/notesync/internal/crdt"
	"github.com/roach88/notesync/internal/model"
	"github.com/roach88/notesync/internal/replica"
	"github.com/roach88/notesync/internal/store"
	"github.com/roach88/notesync/internal/testutil"
)

// epoch is the logical clock's zero; each step advances it by 1ms.
var epoch = time.UnixMilli(1_700_000_000_000).UTC()

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq     int      `json:"seq"`
	Op      string   `json:"op"`
	Replica string   `json:"replica,omitempty"`
	ID      string   `json:"id,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Applied []string `json:"applied,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// FileState is one workspace entry in a replica's final state.
type FileState struct {
	ID      string `json:"id"`
	Path    string `json:"path"`
	Title   string `json:"title"`
	Parent  string `json:"parent,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ReplicaState is a replica's final view.
type ReplicaState struct {
	Files  []FileState       `json:"files"`
	Bodies map[string]string `json:"bodies,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	Trace    []TraceEvent
	Final    map[string]ReplicaState
	Failures []string

	// states holds each replica's encoded documents for convergence checks.
	states map[string]map[string][]byte
	// children holds each replica's child lists by parent id.
	children map[string]map[string][]string
}

// Pass reports whether every assertion held.
func (r *Result) Pass() bool { return len(r.Failures) == 0 }

type node struct {
	name string
	mgr  *replica.Manager
}

type runner struct {
	s      *Scenario
	clock  *testutil.FakeClock
	nodes  []*node
	byName map[string]*node
	seq    int
	trace  []TraceEvent
}

// Run executes a scenario. Step failures that the scenario does not
// expect abort the run with an error; assertion failures are reported in
// the Result.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	r := &runner{
		s:      s,
		clock:  testutil.NewFakeClock(epoch),
		byName: make(map[string]*node),
	}
	logger := slog.New(slog.DiscardHandler)
	for i, name := range s.Replicas {
		n := &node{
			name: name,
			mgr: replica.NewManager(store.NewMemory(),
				replica.WithClientID(uint64(i+1)),
				replica.WithClock(r.clock),
				replica.WithLogger(logger),
				replica.WithDevice(replica.Device{ID: name, Name: name}),
			),
		}
		r.nodes = append(r.nodes, n)
		r.byName[name] = n
	}
	defer func() {
		for _, n := range r.nodes {
			_ = n.mgr.Close(context.WithoutCancel(ctx))
		}
	}()

	for i, st := range s.Steps {
		if err := r.step(ctx, st); err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, st.Op, err)
		}
	}

	res := &Result{
		Trace:    r.trace,
		Final:    make(map[string]ReplicaState, len(r.nodes)),
		states:   make(map[string]map[string][]byte, len(r.nodes)),
		children: make(map[string]map[string][]string, len(r.nodes)),
	}
	for _, n := range r.nodes {
		if err := n.mgr.FlushAll(ctx); err != nil {
			return nil, fmt.Errorf("flush %s: %w", n.name, err)
		}
		state, children, err := r.finalState(ctx, n)
		if err != nil {
			return nil, err
		}
		res.Final[n.name] = state
		res.children[n.name] = children
		res.states[n.name] = encodedDocs(n)
	}
	res.Failures = r.check(res)
	return res, nil
}

func (r *runner) now() time.Time { return r.clock.Now() }

func (r *runner) workspace(ctx context.Context, n *node) (*model.Workspace, error) {
	rep, err := n.mgr.Open(ctx, model.WorkspaceDocName(r.s.Workspace))
	if err != nil {
		return nil, err
	}
	return rep.Workspace(model.WithNow(r.now)), nil
}

func (r *runner) body(ctx context.Context, n *node, id string) (*model.Body, error) {
	rep, err := n.mgr.Open(ctx, model.BodyDocName(model.DocumentID(id)))
	if err != nil {
		return nil, err
	}
	return rep.Body(), nil
}

func (r *runner) step(ctx context.Context, st Step) error {
	r.clock.Advance(time.Millisecond)

	if st.Op == OpSyncAll {
		for _, from := range r.nodes {
			for _, to := range r.nodes {
				if from == to {
					continue
				}
				if err := r.sync(ctx, from, to); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if st.Op == OpSync {
		return r.sync(ctx, r.byName[st.From], r.byName[st.To])
	}

	r.seq++
	ev := TraceEvent{Seq: r.seq, Op: st.Op, Replica: st.Replica, ID: st.ID}
	err := r.edit(ctx, st)
	switch {
	case err != nil && !st.ExpectError:
		return err
	case err == nil && st.ExpectError:
		return errors.New("expected an error")
	case err != nil:
		ev.Error = err.Error()
	}
	r.trace = append(r.trace, ev)
	return nil
}

func (r *runner) edit(ctx context.Context, st Step) error {
	if st.Op == OpFlush {
		for _, n := range r.targets(st.Replica) {
			if err := n.mgr.FlushAll(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	n := r.byName[st.Replica]

	id := model.DocumentID(st.ID)
	var parent *model.DocumentID
	if st.Parent != "" {
		p := model.DocumentID(st.Parent)
		parent = &p
	}

	switch st.Op {
	case OpCreate, OpRename, OpDescribe, OpMove, OpDelete, OpRestore:
		ws, err := r.workspace(ctx, n)
		if err != nil {
			return err
		}
		switch st.Op {
		case OpCreate:
			return ws.CreateFileWithID(id, parent, st.Title)
		case OpRename:
			return ws.UpdateFileMetadata(id, model.FileMetadataPatch{Title: &st.Title})
		case OpDescribe:
			return ws.UpdateFileMetadata(id, model.FileMetadataPatch{Description: &st.Text})
		case OpMove:
			return ws.MoveFile(id, parent)
		case OpDelete:
			return ws.DeleteFile(id)
		default:
			return ws.RestoreFile(id)
		}
	}

	b, err := r.body(ctx, n, st.ID)
	if err != nil {
		return err
	}
	switch st.Op {
	case OpSetBody:
		b.SetBody(st.Text)
	case OpInsert:
		_, err = b.InsertAt(st.Pos, st.Text)
	case OpDeleteRange:
		_, err = b.DeleteRange(st.Pos, st.Count)
	case OpFrontmatter:
		if st.Value == nil {
			b.DeleteFrontmatterField(st.Key)
		} else {
			_, err = b.SetFrontmatterField(st.Key, st.Value)
		}
	}
	return err
}

// sync sends from's documents to to, each as the delta to's summary lacks.
func (r *runner) sync(ctx context.Context, from, to *node) error {
	r.seq++
	ev := TraceEvent{Seq: r.seq, Op: OpSync, From: from.name, To: to.name}
	for _, name := range from.mgr.Names() {
		src, ok := from.mgr.Get(name)
		if !ok {
			continue
		}
		dst, err := to.mgr.Open(ctx, name)
		if err != nil {
			return err
		}
		applied, err := dst.ApplyUpdate(src.EncodeStateAsUpdate(dst.StateSummary()), crdt.OriginSync)
		if err != nil {
			return fmt.Errorf("sync %s %s->%s: %w", name, from.name, to.name, err)
		}
		if applied {
			ev.Applied = append(ev.Applied, name)
		}
	}
	r.trace = append(r.trace, ev)
	return nil
}

func (r *runner) finalState(ctx context.Context, n *node) (ReplicaState, map[string][]string, error) {
	ws, err := r.workspace(ctx, n)
	if err != nil {
		return ReplicaState{}, nil, err
	}
	paths := ws.Paths()
	state := ReplicaState{Files: []FileState{}}
	children := make(map[string][]string)
	for id, meta := range ws.GetAllFiles() {
		for _, c := range meta.ChildrenIDs {
			children[string(id)] = append(children[string(id)], string(c))
		}
		f := FileState{ID: string(id), Path: paths[id], Title: meta.Title, Deleted: meta.Deleted}
		if meta.ParentID != nil {
			f.Parent = string(*meta.ParentID)
		}
		state.Files = append(state.Files, f)

		if rep, ok := n.mgr.Get(model.BodyDocName(id)); ok {
			if state.Bodies == nil {
				state.Bodies = make(map[string]string)
			}
			state.Bodies[string(id)] = rep.Body().GetBody()
		}
	}
	sort.Slice(state.Files, func(i, j int) bool {
		a, b := state.Files[i], state.Files[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.ID < b.ID
	})
	return state, children, nil
}

func encodedDocs(n *node) map[string][]byte {
	out := make(map[string][]byte)
	for _, name := range n.mgr.Names() {
		if rep, ok := n.mgr.Get(name); ok && !rep.Doc().Empty() {
			out[name] = rep.EncodeState()
		}
	}
	return out
}

func (r *runner) targets(name string) []*node {
	if name == "" {
		return r.nodes
	}
	return []*node{r.byName[name]}
}

func (r *runner) check(res *Result) []string {
	var failures []string
	fail := func(i int, format string, args ...any) {
		failures = append(failures, fmt.Sprintf("assertions[%d]: ", i)+fmt.Sprintf(format, args...))
	}

	for i, a := range r.s.Assertions {
		switch a.Type {
		case AssertConverged:
			first := r.nodes[0]
			for _, n := range r.nodes[1:] {
				if !sameStates(res.states[first.name], res.states[n.name]) {
					fail(i, "%s and %s diverged", first.name, n.name)
				}
			}
		case AssertCount:
			for _, n := range r.targets(a.Replica) {
				if got := len(res.Final[n.name].Files); got != a.Count {
					fail(i, "%s has %d entries, want %d", n.name, got, a.Count)
				}
			}
		case AssertFile:
			for _, n := range r.targets(a.Replica) {
				f, ok := findFile(res.Final[n.name], a.ID)
				if !ok {
					fail(i, "%s has no entry %s", n.name, a.ID)
					continue
				}
				if a.Title != nil && f.Title != *a.Title {
					fail(i, "%s: %s title %q, want %q", n.name, a.ID, f.Title, *a.Title)
				}
				if a.Path != nil && f.Path != *a.Path {
					fail(i, "%s: %s path %q, want %q", n.name, a.ID, f.Path, *a.Path)
				}
				if a.Parent != nil && f.Parent != *a.Parent {
					fail(i, "%s: %s parent %q, want %q", n.name, a.ID, f.Parent, *a.Parent)
				}
				if a.Deleted != nil && f.Deleted != *a.Deleted {
					fail(i, "%s: %s deleted=%v, want %v", n.name, a.ID, f.Deleted, *a.Deleted)
				}
			}
		case AssertChildren:
			want := slices.Sorted(slices.Values(a.Children))
			for _, n := range r.targets(a.Replica) {
				got := slices.Sorted(slices.Values(res.children[n.name][a.ID]))
				if !slices.Equal(got, want) {
					fail(i, "%s: %s children %v, want %v", n.name, a.ID, got, want)
				}
			}
		case AssertBody:
			for _, n := range r.targets(a.Replica) {
				got, ok := res.Final[n.name].Bodies[a.ID]
				if !ok {
					fail(i, "%s has no body for %s", n.name, a.ID)
					continue
				}
				if a.Text != nil && got != *a.Text {
					fail(i, "%s: body %s is %q, want %q", n.name, a.ID, got, *a.Text)
				}
			}
		}
	}
	return failures
}

func findFile(s ReplicaState, id string) (FileState, bool) {
	for _, f := range s.Files {
		if f.ID == id {
			return f, true
		}
	}
	return FileState{}, false
}

func sameStates(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for name, state := range a {
		if !bytes.Equal(state, b[name]) {
			return false
		}
	}
	return true
}
