// Package observability provides OpenTelemetry metrics for fabric's
// lifecycle events. The MetricsExtension implements the ext hooks and
// keeps system-wide counters of subscription outcomes, membership
// changes, master promotions and resolved allocation requests.
//
// For per-event tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
