// Package sinks holds the progress.Sink implementations the application
// wires behind the hub: Prometheus counters for dashboards, run store
// persistence for resumability, and a structured log tail for development.
package sinks
