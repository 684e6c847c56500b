// Package agent is the client side of the hub: login, reconnect with
// jittered backoff, heartbeats, liveness challenges, and brain-state
// checkpoints mirrored to the hub and a local file with a .backup shadow.
package agent
