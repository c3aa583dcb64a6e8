// Package domain defines the core business types for the greeting delivery
// pipeline: users, message logs, statuses, and the idempotency key.
//
// Types in this package are pure value objects with no database dependencies
// and no HTTP concerns. They are the shared language between jobs, workers,
// and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages except civiltime
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
