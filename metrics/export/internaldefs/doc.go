// Package internaldefs holds the metric naming tables shared by the
// Prometheus and OpenTelemetry exporters.
package internaldefs
