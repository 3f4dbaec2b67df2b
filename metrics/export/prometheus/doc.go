// Package prometheus renders credguard metrics in the Prometheus text
// exposition format. Counters are named credguard_*_total and the delivery
// latency histogram is credguard_delivery_latency_seconds.
//
// Nothing is registered globally; callers mount [Exporter.Handler].
package prometheus
