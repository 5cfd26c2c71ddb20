// Package orchestrator deduplicates and concurrency-limits asynchronous
// simulation runs keyed by an opaque identity (model or run external ID).
//
// At most one operation per key is in flight at a time: Submit for a tracked
// key returns the existing handle instead of starting a second run.
// SubmitPriority replaces a tracked run, cancelling its context first.
// A fixed pool of slots caps concurrency across all keys; waiting for a slot
// is cancellable.
//
// Preemption is cooperative: a run that ignores its context keeps its slot
// until it returns on its own. This is a known limitation, not a bug.
package orchestrator
