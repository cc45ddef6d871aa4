// Copyright (c) StepFlow Authors.
// Licensed under the MIT License.

/*
Package state persists the lifecycle of every workflow step independently of
the in-memory executor, so a crashed process can resume a run.

A StepState extends the transient execution record with tenant/run scoping,
approval-gate and external-wait sub-states, scheduled retries and result
codes. The Store interface is the pluggable persistence contract; the
package ships three backends:

  - MemoryStore: reference implementation for development and tests
  - RedisStore: distributed deployments (go-redis, sorted-set indexes)
  - SQLStore: single-node durable deployments (GORM over SQLite or
    PostgreSQL)

All status strings and persisted shapes are part of the cross-version wire
contract: timestamps marshal as RFC 3339 and statuses use the exact
enumerated values, so backends can be swapped without migration of meaning.

The Sweeper drives the periodic maintenance the contract expects: failing
expired external waits and handing retry-ready steps back to a requeue
callback.
*/
package state
