// Package jobid derives the identity keys used to deduplicate dispatched work.
//
// An Identity is an opaque string scoped by the owning job class. Random keys
// opt out of deduplication; ContentHash keys are a pure function of the job
// arguments, so redundant deliveries of the same logical request collapse onto
// one status record; KeyedTemplate keys spell out an ordered subset of the
// arguments so operators can read them in dashboards.
//
// The package never looks at status records or domain types. Callers hand it
// plain argument maps and receive keys back.
package jobid
