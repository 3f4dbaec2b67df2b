// Package otel publishes credguard metrics through an OpenTelemetry Meter.
//
// Each counter becomes an Int64ObservableCounter; the delivery latency
// histogram becomes one cumulative gauge per bucket plus a count gauge. A
// single callback reads the engine snapshot per collection. The caller owns
// the MeterProvider.
package otel
