// Package telemetry wires Prometheus collectors, OpenTelemetry meters and the
// OTLP trace exporter for the authorizer.
//
// Metrics holds a private Prometheus registry that the HTTP server exposes on
// /metrics. RecordDecision and RecordInit feed OpenTelemetry instruments on the
// global MeterProvider, and SetupProvider installs an OTLP tracer provider so
// init and decision spans reach a collector.
package telemetry
