// Package discovery turns OpenAPI documents into registry endpoint catalogs.
//
// The agent fetches a service's spec, parses its operations, and registers
// the service with the orchestrator. Parsing accepts OpenAPI 3.x and
// Swagger 2.0 in JSON or YAML.
package discovery
