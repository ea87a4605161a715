// Package postgres manages the service's external connections: the PostgreSQL
// primary with its read replicas, and the Redis client used for cross-instance
// cache invalidation.
//
// Authorization lookups always read the primary so a role or override change
// is visible on the next request. Replicas serve listing endpoints only.
package postgres
