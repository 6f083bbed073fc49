package storage

// Package storage persists the relational model: assemblies and their
// versions, jobs, schedules, job/schedule bindings, parameter values and
// execution records.
//
// Backends:
//   - "memory": in-process maps, used by tests and throwaway runs
//   - "sqlite": modernc.org/sqlite through sqlx
//   - "postgres": lib/pq through sqlx
//   - "pgx": jackc/pgx stdlib driver through sqlx
//
// Every read applies "deleted = false" explicitly; active-only reads also
// apply "active = true". Nothing is hard-deleted.
