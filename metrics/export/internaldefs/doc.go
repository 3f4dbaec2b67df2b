// Package internaldefs holds the metric names, help strings and histogram
// bounds shared by the exporters, so Prometheus and OTel output stay
// identical.
//
// It must not perform I/O or import an exporter package.
package internaldefs
