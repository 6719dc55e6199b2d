// Package stores provides the persistence layer for decider.
// It includes a SQLite-backed Store built on sqlx with embedded
// migrations, soft-delete aware reads, eager loading of owning
// records, and atomic creation of action plans with their actions.
package stores
