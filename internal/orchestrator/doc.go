// Package orchestrator is the central docmesh service. It owns the service
// registry, aggregates ecosystem health, proxies calls to registered
// services, and hosts the workflow management API.
package orchestrator
