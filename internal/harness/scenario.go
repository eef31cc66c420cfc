package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a multi-replica convergence test.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Workspace is the workspace id shared by all replicas. Defaults to "ws".
	Workspace string `yaml:"workspace,omitempty"`

	// Replicas names the replicas; client ids follow list order from 1.
	Replicas []string `yaml:"replicas"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one edit or sync.
type Step struct {
	Op      string `yaml:"op"`
	Replica string `yaml:"replica,omitempty"`

	// Entry fields.
	ID     string `yaml:"id,omitempty"`
	Parent string `yaml:"parent,omitempty"`
	Title  string `yaml:"title,omitempty"`

	// Body fields.
	Text  string `yaml:"text,omitempty"`
	Pos   int    `yaml:"pos,omitempty"`
	Count int    `yaml:"count,omitempty"`
	Key   string `yaml:"key,omitempty"`
	Value any    `yaml:"value,omitempty"`

	// Sync fields.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// ExpectError marks a step that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpCreate      = "create"
	OpRename      = "rename"
	OpDescribe    = "describe"
	OpMove        = "move"
	OpDelete      = "delete"
	OpRestore     = "restore"
	OpSetBody     = "set_body"
	OpInsert      = "insert"
	OpDeleteRange = "delete_range"
	OpFrontmatter = "frontmatter"
	OpSync        = "sync"
	OpSyncAll     = "sync_all"
	OpFlush       = "flush"
)

// Assertion checks the final state. An empty Replica checks every replica.
type Assertion struct {
	Type    string `yaml:"type"`
	Replica string `yaml:"replica,omitempty"`
	ID      string `yaml:"id,omitempty"`

	Title   *string `yaml:"title,omitempty"`
	Path    *string `yaml:"path,omitempty"`
	Parent  *string `yaml:"parent,omitempty"`
	Deleted *bool   `yaml:"deleted,omitempty"`
	Text    *string `yaml:"text,omitempty"`
	Count   int     `yaml:"count,omitempty"`

	// Children lists the expected child ids of ID, in any order.
	Children []string `yaml:"children,omitempty"`
}

// Assertion types.
const (
	AssertConverged = "converged"
	AssertFile      = "file"
	AssertBody      = "body"
	AssertCount     = "count"
	AssertChildren  = "children"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if s.Workspace == "" {
		s.Workspace = "ws"
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	known := make(map[string]bool, len(s.Replicas))
	for _, r := range s.Replicas {
		if known[r] {
			return fmt.Errorf("duplicate replica %q", r)
		}
		known[r] = true
	}
	needReplica := func(i int, name, field string) error {
		if !known[name] {
			return fmt.Errorf("steps[%d]: unknown %s %q", i, field, name)
		}
		return nil
	}

	for i, st := range s.Steps {
		switch st.Op {
		case OpSyncAll:
		case OpFlush:
			if st.Replica != "" {
				if err := needReplica(i, st.Replica, "replica"); err != nil {
					return err
				}
			}
		case OpSync:
			if err := needReplica(i, st.From, "from"); err != nil {
				return err
			}
			if err := needReplica(i, st.To, "to"); err != nil {
				return err
			}
		case OpCreate, OpRename, OpDescribe, OpMove, OpDelete, OpRestore,
			OpSetBody, OpInsert, OpDeleteRange, OpFrontmatter:
			if err := needReplica(i, st.Replica, "replica"); err != nil {
				return err
			}
			if st.ID == "" {
				return fmt.Errorf("steps[%d]: id is required for %s", i, st.Op)
			}
		default:
			return fmt.Errorf("steps[%d]: unknown op %q", i, st.Op)
		}
	}

	for i, a := range s.Assertions {
		if a.Replica != "" && !known[a.Replica] {
			return fmt.Errorf("assertions[%d]: unknown replica %q", i, a.Replica)
		}
		switch a.Type {
		case AssertConverged, AssertCount:
		case AssertFile, AssertBody, AssertChildren:
			if a.ID == "" {
				return fmt.Errorf("assertions[%d]: id is required for %s", i, a.Type)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}
