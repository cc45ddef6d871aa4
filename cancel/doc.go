// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package cancel provides cooperative run cancellation and compensating
rollback.

A Source owns a Token and is the only authority allowed to cancel it.
Tokens are handed read-only into step bodies, which call Err at safe points,
race Done against their own work, or register OnCancel listeners. Child
tokens cancel automatically with their parent but can never cancel it,
scoping cancellation to nested sub-operations.

A Registry collects rollback actions as step side effects occur and drains
them exactly once when a run is cancelled: highest priority first, ties
broken most-recently-registered-first so the newest side effect is undone
first. A non-critical action failure does not stop the remaining rollbacks;
critical failures are reported distinctly so callers can escalate.
*/
package cancel
