// Package orchestrator drives budget-constrained content generation.
//
// A primary tick walks ACQUIRE_LOCK, CHECK_BUDGET, CHECK_DAILY_TARGET,
// BUILD_OR_RESUME_QUEUE, DRAIN_QUEUE and RELEASE_LOCK. The queue cursor is
// committed only after a document and its token usage are stored, so a
// restarted process resumes at the first uncommitted item and never
// regenerates a committed one.
//
// Work items end in a tagged Outcome (Proceed, Skip or Fatal). Capacity
// denials and exhausted retries are skips, which still advance the queue.
// Generation failures end the tick without committing.
//
// The translation pass produces derived documents for primary documents
// that are missing target languages. Languages of one document are
// translated concurrently; each unit runs its own budget check and all
// writes are serialised.
package orchestrator
