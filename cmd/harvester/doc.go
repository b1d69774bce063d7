// Command harvester runs the harvest dispatch daemon and talks to a running
// daemon over its HTTP API.
//
// `harvester daemon` runs the daemon in the foreground; `start` and `stop`
// manage a detached one. status, jobs, enqueue and webhook are thin clients
// of the API bound at paths.api_bind, so they work with every status and
// broker backend, including the in-memory ones. classify, test-notify and
// the config commands run locally.
package main
