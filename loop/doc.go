// Package loop provides a small single-threaded event loop.
//
// Callbacks posted to a Loop, timer callbacks and I/O readiness callbacks all
// run one at a time on the goroutine that called Run. Code that only mutates
// its state from such callbacks needs no further synchronization.
//
// Watches use a helper goroutine to wait on the Go netpoller. That goroutine
// never runs user code; it only queues the callback once the descriptor is
// readable and waits for the callback to finish before waiting again, so a
// readable watch behaves like a level-triggered io watch. Callbacks are
// expected to drain the descriptor with non-blocking reads (see
// NonblockingReader) and return promptly.
package loop
