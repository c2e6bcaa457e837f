// Package instrumentation provides OpenTelemetry instrumentation for the OIDC server.
//
// The package wires three things:
//   - Metrics: counters, histograms and gauges for the token lifecycle
//   - Traces: spans across the HTTP, server and storage layers
//   - Scoped meters and tracers named "github.com/giantswarm/oidc-server/{scope}"
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oidc-server",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// # Prometheus Metrics
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Token Lifecycle:
//   - oauth.code.issued{client_id}
//   - oauth.code.exchanged{client_id, result}
//   - oauth.token.refreshed{client_id, result}
//   - oauth.token.revoked{token_type}
//   - oauth.token.introspected{active}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.token.reuse_detected
//   - oauth.client.auth_failed{reason}
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{storage_type, operation, result}
//   - storage.operation.duration{storage_type, operation}
//   - storage.access_tokens.count, storage.refresh_tokens.count
//   - storage.codes.count, storage.clients.count
//   - storage.cleanup.runs{result}
//   - storage.cleanup.tokens_deleted{token_type}
//
// # Disabled Instrumentation
//
// With Enabled set to false every provider is a no-op and recording has
// no measurable cost. All span helpers in this package accept nil spans.
//
// # Security
//
// Never record token values, authorization codes or client secrets as span
// attributes or metric labels. Only record record IDs and outcomes.
package instrumentation
