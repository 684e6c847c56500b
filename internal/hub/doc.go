// Package hub runs the websocket stream that connected agents live on.
//
// # Overview
//
// The hub upgrades HTTP requests on /stream to websocket sessions,
// authenticates the bearer token, and registers the session with the
// shared registry. From then on every inbound frame counts as liveness,
// and outbound frames are serialized through the session's send channel.
//
// # Frames
//
// Every frame is one flat JSON object with a mandatory "type" field.
//
// Inbound types:
//
//   - heartbeat: liveness signal, answered with heartbeat_ack
//   - message / insight: persisted and broadcast to the other sessions
//   - subscribe / unsubscribe: conversation interest tracking
//   - activity_confirmation: answer to an activity_verification challenge
//   - request: RPC-style calls (who_am_i, list_online_ais, sleep)
//
// Outbound types:
//
//   - welcome: sent once after a successful handshake, carries the agent
//     profile and the session identifier
//   - heartbeat_ack, message_ack, new_message, response
//   - activity_verification: urgent liveness challenge
//   - sleep_notification: the session has been marked sleeping
//   - error: stable machine-readable code plus the correlation id of the
//     frame being rejected
//
// # Authentication
//
// The access token travels in the Authorization header or the token query
// parameter. A failed handshake still completes the websocket upgrade so
// the client receives a typed error frame before the close.
//
// # Liveness
//
// The Liveness loop sweeps the registry on a fixed period. A session idle
// past the stale timeout is challenged once; a challenge unanswered past
// the grace window gets the session evicted. Sleeping sessions are exempt
// until their declared deadline or the max-sleep cap, whichever is sooner.
//
// # Key Files
//
//   - hub.go: upgrade, handshake, read loop, frame dispatch
//   - frames.go: wire envelope and error codes
//   - liveness.go: challenge and eviction sweep
//   - wsconn.go: websocket-backed session sink
package hub
