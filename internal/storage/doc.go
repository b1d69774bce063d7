// Package storage holds the SQLite plumbing shared by the status and harvest
// stores: connection setup, busy retries, embedded migrations and column
// helpers.
//
// Several stores may share one database file. Each registers its migrations
// under its own component prefix in schema_migrations, so adding a table to
// one store never re-runs another store's scripts.
package storage
