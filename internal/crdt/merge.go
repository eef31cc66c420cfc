package crdt

import "fmt"

// MergeUpdates folds updates (snapshots or deltas, in any order) into one
// encoded state. Folding is how snapshots are derived from the update log:
// MergeUpdates(all updates from id 0) equals the live document's EncodeState.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	d, err := Fold(updates...)
	if err != nil {
		return nil, err
	}
	return d.EncodeState(), nil
}

// Fold applies updates to a fresh document and returns it.
func Fold(updates ...[]byte) (*Doc, error) {
	d := NewDoc()
	for i, u := range updates {
		if len(u) == 0 {
			continue
		}
		if _, err := d.ApplyUpdate(u, OriginSync); err != nil {
			return nil, fmt.Errorf("fold update %d: %w", i, err)
		}
	}
	return d, nil
}

// SummaryOf returns the encoded state vector of an encoded state.
func SummaryOf(state []byte) ([]byte, error) {
	d, err := Fold(state)
	if err != nil {
		return nil, err
	}
	return EncodeStateVector(d.StateSummary()), nil
}
