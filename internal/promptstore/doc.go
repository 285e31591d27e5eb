// Package promptstore owns versioned prompt templates and A/B tests.
//
// Ownership boundary:
// - prompt identity (category, name) and version history
// - placeholder extraction and rendering
// - deterministic A/B variant assignment and outcome counters
// - YAML snapshots for persistence across restarts
package promptstore
