// Package router owns the single-goroutine reactor that moves frames
// between links.
//
// Ownership boundary:
// - draining link queues and the routing decision per frame
//
// - handing frames addressed to the router to the local dispatcher
//
// - periodic task scheduling and process termination
//
// - the daemon lifecycle (Service): open links, serve status, notify the
// supervisor, stop everything on the way out
package router
