// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package engine drives workflow runs: the Scheduler turns a resolved plan
plus current step statuses into batches of runnable step ids, and the
Executor runs those batches through an injected step callback with bounded
parallelism, per-step timeout and retry, skip propagation and cooperative
cancellation.

The Executor's run loop is the only writer of StepExecution records; step
bodies run on their own goroutines and communicate results back to the
loop over a channel. Settled outputs live in a synchronized OutputMap,
which step bodies may read concurrently while the loop records new
settlements.

A minimal run:

	exec := engine.NewExecutor(engine.WithLogger(logger))
	result, err := exec.ExecuteWorkflow(ctx, workflow, engine.NewExecutionContext("run-1"),
		func(ctx context.Context, step *plan.StepDefinition, ec *engine.ExecutionContext) (any, error) {
			return doWork(ctx, step)
		})
*/
package engine
