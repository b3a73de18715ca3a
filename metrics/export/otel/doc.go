// Package otel bridges engine metrics into OpenTelemetry observable
// instruments.
package otel
