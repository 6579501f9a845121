// Package types defines the core data structures shared by the master and the
// workers of the dcf runtime.
//
// This package contains:
//   - Worker identity and live-table records
//   - Remote operation names and their payloads
//   - Worker lifecycle states and events
//   - Dispatch statistics
package types
