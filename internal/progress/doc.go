// Package progress turns session mutations into live events. Bus delivers
// per-session streams to observers (snapshot first, heartbeats while idle),
// and Hub batches the same events to export sinks without ever blocking the
// publisher.
package progress
