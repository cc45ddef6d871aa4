// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package plan turns a workflow definition into a validated execution plan.

The resolver checks that every declared dependency exists, proves the
dependency graph acyclic, and groups steps into topological levels using
Kahn's algorithm. Levels are informational: the scheduler recomputes
readiness dynamically because conditional skips can let a later-level step
become ready before an earlier level settles.

Graphs are kept as id -> set-of-ids adjacency maps rather than linked node
objects, so a plan never contains cyclic references and can be shared
read-only across goroutines.
*/
package plan
