// Package service exposes one long lived KataGo engine to many concurrent
// callers.
//
// Overview
// The Service owns the engine process, a router of outstanding requests and a
// translator for the configured wire protocol. Every call is encoded, given a
// correlation id, registered with a deadline, written to stdin and awaited:
//
//	caller            Service               Router              Process
//	  |  Analyze() ---->| encode              |                    |
//	  |                 | Register(id) ------>| timer              |
//	  |                 | Send(lines) ---------------------------->| stdin
//	  |                 |                     |<---- Dispatch -----| stdout
//	  |<--- response ---|<------ Outcome -----|                    |
//
// A supervisor goroutine watches the process. When it dies every outstanding
// call fails, the status becomes Crashed and the engine is respawned with
// exponential backoff until the restart budget is spent. A keepalive job
// probes the engine with version queries; repeated timeouts kill a hung
// engine so it follows the crash path.
//
// Invariants:
//   - Every call ends with exactly one result: a response or a *model.Problem.
//   - Calls are only admitted in Ready, others fail fast with 503.
//   - The legacy protocol runs one analysis at a time, the board is global.
//   - Close drains in-flight calls before the engine is stopped.
//
// internal/service/service_test.go drives the Service against stub engines
// and is the best source on how to use it.
package service
