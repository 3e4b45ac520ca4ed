// Package progress carries crawl milestones from the orchestrator to pluggable
// sinks. Emitters never block; a background goroutine batches events and fans
// them out to metrics, logs or an event publisher.
package progress
