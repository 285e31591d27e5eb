// Package registry owns the ecosystem service registry.
//
// Ownership boundary:
// - service identity and base URL validation
// - endpoint catalogs reported by discovery
// - liveness bookkeeping (heartbeat, stale pruning)
//
// The registry does not poll services; health polling lives in the orchestrator.
package registry
