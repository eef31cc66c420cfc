package store

import "github.com/roach88/notesync/internal/crdt"

// Update is one row of the update log.
type Update struct {
	ID         int64
	DocName    string
	Data       []byte
	Origin     crdt.Origin
	Timestamp  int64 // unix ms
	DeviceID   string
	DeviceName string
}

// Snapshot is the stored state of a document.
type Snapshot struct {
	DocName   string
	State     []byte
	Summary   []byte
	UpdatedAt int64 // unix ms
}

// FileIndexRow is one row of the derived file index.
type FileIndexRow struct {
	Path       string
	Title      string
	ParentPath string
	Deleted    bool
	ModifiedAt int64 // unix ms
}

// Base is the state folded out of the update log by compaction.
// Floor is the highest folded update id; 0 means nothing was folded.
type Base struct {
	Floor int64
	State []byte
}

// CompactionPlan is the outcome of folding the oldest updates of a log.
type CompactionPlan struct {
	Floor    int64
	Base     []byte
	Snapshot []byte
	Summary  []byte
	Folded   int
}

// PlanCompaction folds all but the newest keep updates into base and
// recomputes the snapshot so that folding snapshot with the remaining
// updates equals folding everything that existed before.
func PlanCompaction(oldBase Base, oldSnapshot []byte, updates []Update, keep int) (CompactionPlan, error) {
	n := len(updates) - keep
	if n <= 0 {
		return CompactionPlan{}, nil
	}
	folded := make([][]byte, 0, n+1)
	folded = append(folded, oldBase.State)
	for _, u := range updates[:n] {
		folded = append(folded, u.Data)
	}
	base, err := crdt.MergeUpdates(folded...)
	if err != nil {
		return CompactionPlan{}, err
	}

	all := make([][]byte, 0, len(updates)+2)
	all = append(all, oldSnapshot, base)
	for _, u := range updates[n:] {
		all = append(all, u.Data)
	}
	snapshot, err := crdt.MergeUpdates(all...)
	if err != nil {
		return CompactionPlan{}, err
	}
	summary, err := crdt.SummaryOf(snapshot)
	if err != nil {
		return CompactionPlan{}, err
	}
	return CompactionPlan{
		Floor:    updates[n-1].ID,
		Base:     base,
		Snapshot: snapshot,
		Summary:  summary,
		Folded:   n,
	}, nil
}
