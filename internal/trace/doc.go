// Package trace records what the initializer manager does and when.
//
// Tracing helps diagnose slow or hung initializers: a type whose initializer
// never reaches its end event while heartbeats keep arriving is the usual
// suspect when waiters pile up.
//
// # Levels
//
//   - LevelOff: No tracing
//   - LevelError: Only crash dumps
//   - LevelPhase: Driver runs and initializer batches
//   - LevelDetail: Individual initializers
//   - LevelDebug: Everything, including queue and lock-registry events
//
// # Scopes
//
//   - ScopeDriver: workload runs and CLI operations
//   - ScopeBatch: one locked run of queued initializers
//   - ScopeType: one type's initializer
//   - ScopeQueue: enqueue, lock, wait, wake and inline-run events
//
// # Storage
//
// Stream mode writes events as they happen. Ring mode keeps the latest ones
// for a dump after a failed run; unless a size is configured the ring holds
// RingPerThread events for each workload thread.
//
// # Context Propagation
//
//	ctx = trace.WithTracer(ctx, tracer)
//	ctx = thread.With(ctx, th)
//
//	span, ctx := trace.Start(ctx, trace.ScopeType, "init:App.Config")
//	defer span.End("")
//	trace.Point(ctx, trace.ScopeQueue, "enqueue", "App.Log")
package trace
