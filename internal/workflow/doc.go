// Package workflow owns the workflow management bounded context.
//
// Ownership boundary:
// - workflow definitions, parameter resolution, and dependency planning
// - the Workflow and Execution aggregates and their domain events
// - event stores (memory, SQLite) and replay into read models
// - the saga engine that invokes registered services step by step
//
// Every state change is an appended event; aggregates are rebuilt by
// applying records in version order.
package workflow
