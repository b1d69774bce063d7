// Package harvest tracks files delivered by the transfer server and turns
// upload webhooks into processing jobs.
//
// Each (harvest_id, path) pair maps to one Item. The Machine consumes parsed
// webhook events and advances items through
// new -> metadata_gathered -> processing -> completed|failed. Processing runs
// as a dispatched job whose identity is a content hash of the harvest id and
// relative path, so redundant deliveries of the same upload collapse onto one
// job. Items are never removed once processing was attempted; a delete only
// flags the file as gone.
package harvest
