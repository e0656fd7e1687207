// Package metric provides Prometheus-based metrics collection for the
// middleware core.
//
// A centralized MetricsRegistry manages both core platform metrics (RPC
// calls, jobs, events, sessions) and component-specific metrics registered at
// construction time. The registry wraps a private Prometheus registry so test
// processes can run many cores side by side without collector collisions.
//
// The REST facade mounts Handler() at /metrics; there is no standalone
// metrics listener.
//
// Core metrics use the namespace "middleware":
//   - middleware_rpc_calls_total{method,status}
//   - middleware_rpc_call_duration_seconds{method}
//   - middleware_jobs_total{state}
//   - middleware_jobs_running
//   - middleware_events_published_total
//   - middleware_events_dropped_total
//   - middleware_sessions_connected
//   - middleware_auth_attempts_total{mechanism,status}
package metric
