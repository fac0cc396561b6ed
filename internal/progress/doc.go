// Package progress carries crawl milestones from the workers to wherever
// operators watch them. Workers hand small Event values to a non-blocking
// Hub; a single collector goroutine batches them and fans the batches out to
// sinks such as Prometheus counters, the run store, or a log tail. Slow or
// failing sinks cost events, never worker throughput.
package progress
