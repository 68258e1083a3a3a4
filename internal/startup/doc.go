// Package startup sequences board bring-up and runs slow background eye
// scans once bring-up has finished.
//
// Ownership boundary:
// - the startup state machine and its single-step end state
//
// - GPS second hand-off over a unix socket
//
// - eye-scan accumulation per transceiver bank
//
// Register access is consumed through Device; a nil Device runs the
// sequence without touching hardware.
package startup
