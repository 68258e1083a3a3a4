// Package tools provides host-side helpers shared by the local command handlers.
//
// Ownership boundary:
// - bounded external command execution
//
// - stdout capture that survives a timeout
package tools
