// Package middleware is the management middleware for a storage appliance:
// a single daemon that fronts every system service behind one schema-typed,
// role-gated RPC surface.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│               Transports                     │  unix socket, websocket,
//	│        (transport: framed JSON, REST)        │  HTTP facade
//	└──────────────────────┬───────────────────────┘
//	                       ↓ frames
//	┌──────────────────────────────────────────────┐
//	│               Dispatcher                     │  sessions, auth frames,
//	│  (dispatch: route, validate, authorize)      │  cancellation, CRUD events
//	└──────┬──────────────┬────────────────┬───────┘
//	       ↓              ↓                ↓
//	┌────────────┐  ┌────────────┐  ┌────────────┐
//	│  Registry  │  │ Job Manager│  │ Event Bus  │
//	│ (registry, │  │   (job)    │  │ (eventbus, │
//	│  schema,   │  │            │  │   relay)   │
//	│  role)     │  │            │  │            │
//	└────────────┘  └────────────┘  └────────────┘
//
// Every callable operation is a method descriptor in the registry: dotted
// name, ordered input schemas, required roles, job-ness, CRUD
// classification. The dispatcher owns the wire protocol; it validates
// arguments through the schema engine, checks the caller's roles, then
// either runs the handler on a worker pool or submits it to the job
// manager and replies with the job id. Entity-changing methods emit CRUD
// events on the bus after the result frame.
//
// # Packages
//
// Core:
//   - schema: parameter schema engine (validation, coercion, redaction,
//     JSON Schema introspection)
//   - role: role manager and principals
//   - registry: service and method registry
//   - dispatch: framed RPC protocol and call routing
//   - job: long-running job manager with locks, progress, pipes and a
//     bbolt-backed store
//   - eventbus: in-process pub/sub with glob subscriptions
//   - relay: NATS event forwarding to the HA peer
//   - auth: password/api_key/token/onetime_password authentication
//   - services: builtin core and auth services
//
// Surfaces:
//   - transport: unix socket, websocket and REST facades
//   - errors: kinded call errors shared by every layer
//   - metric: Prometheus metrics
//   - health: subsystem health aggregation
//   - config: daemon configuration
//
// Utilities:
//   - pkg/buffer: bounded ring for job logs
//   - pkg/cache: TTL cache for tokens
//   - pkg/retry: retry policies for broker connections
//   - pkg/worker: worker pool for synchronous calls
//
// # Concurrency model
//
// One reader goroutine per session, one writer goroutine per session, a
// shared worker pool for synchronous handlers and a fixed worker set for
// jobs. Calls on one session complete out of order; the per-session
// outbound queue keeps each caller's result frame ahead of the CRUD event
// it triggered.
//
// # Binary
//
//	middlewared -config /etc/middlewared/middlewared.yaml
//
// See cmd/middlewared for flags and wiring.
package middleware
