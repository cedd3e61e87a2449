// Package commandqueue serializes work into named lanes. The agent
// runner gives every session its own single-slot lane so turns for one
// session never overlap, while different sessions run concurrently.
//
// Invariants:
// - Tasks in the same lane start in enqueue order.
// - A lane never runs more tasks than its concurrency limit.
// - Resetting a lane rejects everything still queued; the running task
//   finishes on its own.
package commandqueue
