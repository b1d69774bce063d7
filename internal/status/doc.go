// Package status persists job lifecycle records and applies selective expiry.
//
// A Record moves forward only: queued, then running, then one of completed,
// failed or killed. Queued records may also jump straight to failed or killed.
// Terminal records admit no further transition and are the only records that
// receive an expiry; in-flight work stays visible until someone finishes or
// clears it.
//
// Store implementations must make Transition a per-key compare-and-set so two
// workers racing on the same id see exactly one success. MemoryStore lives
// here; the sqlitestore, redisstore and pgstore subpackages provide durable
// backends, and statustest holds the behaviour suite they all run.
package status
