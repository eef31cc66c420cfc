// Package harness runs multi-replica convergence scenarios.
//
// A scenario names a set of replicas, a sequence of edits and sync steps
// between them, and assertions on the final state:
//
//	name: concurrent_rename
//	description: "Offline renames converge on one title"
//	replicas: [r1, r2]
//	steps:
//	  - {op: create, replica: r1, id: draft, title: Draft}
//	  - {op: sync, from: r1, to: r2}
//	  - {op: rename, replica: r1, id: draft, title: Plan A}
//	  - {op: rename, replica: r2, id: draft, title: Plan B}
//	  - {op: sync_all}
//	assertions:
//	  - {type: converged}
//	  - {type: file, id: draft, title: Plan B}
//
// Each replica is a replica.Manager over an in-memory backend with a fixed
// client id, and workspace timestamps come from a logical clock, so a run
// is deterministic and its trace can be compared against a golden file.
package harness
