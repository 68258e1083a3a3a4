// Package link owns one byte-stream endpoint of the router.
//
// Ownership boundary:
// - reader goroutine: packet split, decode, validate, learn, enqueue
//
// - downstream turnaround writer and immediate upstream writes
//
// - per-link counters and the learned-source set
//
// - opening serial ports and raw ttys from configuration
package link
