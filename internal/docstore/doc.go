// Package docstore owns document storage for the ecosystem.
//
// Ownership boundary:
// - document identity, content hashing, and duplicate detection
// - SQLite persistence and substring search
// - the doc store HTTP surface
package docstore
