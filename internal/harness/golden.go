package harness

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	Scenario string                  `json:"scenario"`
	Trace    []TraceEvent            `json:"trace"`
	Final    map[string]ReplicaState `json:"final"`
}

// MarshalSnapshot renders a result as indented JSON. Map keys are sorted,
// so the output is stable across runs.
func MarshalSnapshot(name string, res *Result) ([]byte, error) {
	data, err := json.MarshalIndent(TraceSnapshot{Scenario: name, Trace: res.Trace, Final: res.Final}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden runs a scenario, fails the test on assertion failures and
// compares the snapshot against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()

	res, err := Run(context.Background(), s)
	if err != nil {
		t.Fatalf("run %s: %v", s.Name, err)
	}
	for _, f := range res.Failures {
		t.Errorf("%s: %s", s.Name, f)
	}

	data, err := MarshalSnapshot(s.Name, res)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, s.Name, data)
	return res
}
