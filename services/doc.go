// Package services registers the builtin core and auth services.
//
// The core service carries the introspection and job-control surface every
// client depends on: core.ping, core.get_jobs, core.job_wait,
// core.job_abort, core.get_services, core.get_methods, core.sessions and
// core.download. The auth service manages tokens and one-time passwords
// for an already-authenticated principal.
//
// Registration happens once at startup, before the transports accept
// connections, so clients never observe a partially populated registry.
package services
