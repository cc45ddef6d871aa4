// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package runner is the run layer on top of the engine: it owns the
cancellation source and compensation registry of every active run, mirrors
in-memory step transitions into the persistent state store, routes human
approvals and external events, and drives the background sweeper.

The engine stays oblivious to persistence; the runner attaches itself
through the engine's state-change callback. After a crash, ResumeRun
replays a run from the store: steps persisted as completed short-circuit to
their stored output, everything else executes again.
*/
package runner
