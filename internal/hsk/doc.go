// Package hsk owns the router's local command surface.
//
// Ownership boundary:
// - the static command table (byte code to handler)
//
// - reply construction for frames addressed to the router itself
//
// - restart-code capture and the journal read cursor
//
// Collaborators (telemetry, startup sequencing, pointer stores, log
// queries) are consumed through the interfaces declared here.
package hsk
