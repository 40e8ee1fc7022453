// Package sinks implements export consumers for session events: structured
// logs, Prometheus collectors, Kafka topics, and Pub/Sub topics. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
