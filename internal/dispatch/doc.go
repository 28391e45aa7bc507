// Package dispatch coalesces independent concurrent requests into batches.
//
// Many goroutines call Submit concurrently; the batcher groups their
// requests into batches of up to BatchSize, runs each batch through a
// single executor call, and resolves each caller's future with the
// response at its request's position. At most TargetWorkers batches are
// in flight at once; requests that cannot start a worker wait in a
// bounded lock-free queue, and a full queue blocks the submitter
// (backpressure) instead of dropping the request.
//
// Admission is a single compare-and-swap over a packed
// (activeWorkers, queued) counter pair:
//
//   - fast path: with no queued requests and a worker slot free, the
//     submission starts a worker that executes a batch beginning with
//     its own request;
//   - enqueue: otherwise the request is appended to the queue and the
//     queued count raised; if the counter shows no active worker at
//     that instant (the last one went idle while we were appending),
//     the same CAS raises the worker count and a drain-only worker is
//     started, so no request is ever stranded;
//   - completion: a worker that finishes a batch keeps draining while
//     the queued count is non-zero and otherwise gives up its slot in
//     one CAS, which is what makes the idle/enqueue race safe.
package dispatch
