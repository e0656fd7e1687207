// Package health tracks the liveness of middleware subsystems and exposes
// an aggregate view over HTTP.
//
// Each subsystem (dispatcher, job manager, event bus, relay, transports)
// reports its own status to a shared Monitor. The REST facade mounts
// Monitor.Handler at /health; the endpoint answers 200 while every
// subsystem is healthy and 503 otherwise, with the per-subsystem detail in
// the body. Error messages are sanitized before they leave the process so
// paths and addresses never leak to unauthenticated probes.
package health
