// Package crdt implements the merge engine behind every replicated document.
//
// A Doc is an operation-based CRDT holding two kinds of shared types:
//   - Registers: last-writer-wins values addressed by (scope, key)
//   - Sequences: RGA text sequences addressed by name
//
// Every operation carries an ID (client, clock) and a Lamport stamp. The
// per-client clocks are gap-free, so a StateVector (highest clock integrated
// per client) summarizes exactly which operations a replica holds.
//
// # Merge guarantees
//
// ApplyUpdate is idempotent and commutative: operations already covered by the
// state vector are skipped, and operations whose predecessors are missing wait
// in a pending set until they can be integrated. Registers resolve concurrent
// writes by Lamport stamp (lamport, client), which respects causality instead
// of wall-clock time. Sequences place concurrent inserts after the same origin
// in descending stamp order, so every replica builds the same item list.
//
// EncodeState lists every known operation ordered by (client, clock), so two
// replicas holding the same set of operations encode byte-identical state no
// matter in which order or how many times updates were delivered.
//
// # Wire format
//
// Updates and state vectors are protobuf wire-format messages written with
// protowire. An update is a list of ops; a malformed update is rejected as a
// whole and never partially applied.
package crdt
