// Package sinks implements progress consumers: Prometheus collectors, structured
// logging and an event publisher bridge.
package sinks
