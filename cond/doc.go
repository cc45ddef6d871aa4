// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package cond evaluates step conditions over a deliberately closed grammar.

The grammar supports parenthesized groups, unary !, && and || with
short-circuit semantics, the comparison operators === !== == != >= <= > <,
single- or double-quoted string literals, decimal numbers, the keywords
true, false, null and undefined, and dotted property paths resolved against
a caller-supplied context (typically stepOutputs.<stepID>.<field>).

There are no loops, no function calls and no assignment: the evaluator is
the containment boundary that replaces an unrestricted interpreter.
Property access on a non-object value yields undefined instead of failing.

EvaluateCondition trades strictness for run liveness: an empty condition is
true, and any parse or evaluation error is logged and reported as false so
a malformed condition skips its step rather than aborting the run.
*/
package cond
