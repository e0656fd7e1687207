// Package schema implements the method schema engine for the middleware core.
//
// Method input and output schemas are plain data: a tagged-variant tree built
// once at service-registration time and never mutated afterwards. The engine
// is a pure function over that tree, so validation is safe under concurrent
// calls without locking.
//
// The engine performs four operations on the request path:
//   - arity and type validation, collecting every offending path
//   - default filling (defaults are deep-copied per call)
//   - declared coercions (numeric strings to numbers only when the schema
//     opts in via Coerce)
//   - redaction of fields marked private, for logs and job snapshots
//
// Result validation is advisory: the dispatcher logs violations but never
// fails a call over them.
//
// Introspection emits a JSON-shaped rendering of any schema tree. This powers
// the CLI and the HA peer, so the shape is part of the stable surface.
package schema
