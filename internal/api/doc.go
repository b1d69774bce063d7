// Package api defines the wire types of the daemon's HTTP API and a client
// for them. It translates status records and harvest summaries into
// transport DTOs so the CLI and other consumers never import internal
// models.
//
// DTOs use camelCase JSON tags. Timestamps are RFC3339 with milliseconds.
// Job arguments pass through as json.RawMessage to avoid double encoding.
package api
