// Package telemetry wires OpenTelemetry tracing and metric instruments for the
// safeguard pipeline.
//
// It centralises trace provider setup and offers recording helpers for guard
// checks, backend dispatches and whole turns so operators can correlate
// enforcement decisions with backend behaviour. Recorded attributes never
// include guarded text.
package telemetry
