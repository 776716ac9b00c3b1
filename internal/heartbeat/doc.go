// Package heartbeat tracks which workers are part of the cluster through NATS KV.
//
// Every worker publishes a heartbeat key while it runs. The leader counts the
// live keys to learn the peer count, and after spawning a process waits for
// the count to grow: a joining worker's first heartbeat is its join
// acknowledgment.
//
// # Key Format
//
//	{prefix}.{workerIndex}
//
// Example: "worker.5"
//
// # Expiry
//
// The bucket TTL should be about 3x the publish interval. A worker that
// crashes stops refreshing its key and drops out of the count once the key
// expires; a worker that stops cleanly deletes its key immediately.
package heartbeat
