// Package agent runs the conversational loop: stream a model turn,
// extract tool calls, gate them through risk and authorization, run
// what is allowed, and feed results back until the model answers in
// plain text.
//
// Invariants:
// - Turns for one session never overlap; each session is its own
//   serial lane.
// - A batch containing one over-threshold call waits for approval as
//   a whole. An explicit approval satisfies the threshold; the
//   blacklist and content patterns apply on every execution.
// - Every state change is visible as an event on the bus and in the
//   durable log.
package agent
