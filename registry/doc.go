// Package registry is the authoritative catalog of services and methods.
//
// A service groups methods under a dotted prefix ("user", "sharing.smb").
// Each method carries its full contract: accepted parameter schemas, result
// schema, role requirements, job and lock declarations, and CRUD metadata.
// The dispatcher and the job manager consult the registry; they never hold
// their own copies of method metadata.
//
// Registration is idempotent. Registering a descriptor identical to the one
// already present is a no-op; registering a conflicting descriptor under an
// existing name fails and leaves the registry unchanged.
package registry
