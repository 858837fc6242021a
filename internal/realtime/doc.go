// Package realtime implements the live delivery channel.
//
// A Hub groups members (live connections) into rooms keyed by conversation
// id. Each member is in at most one room; joining another room leaves the
// previous one and rejoining the current room is a no-op. Publish delivers a
// message to every member of the room and to no one else, without blocking
// on slow members.
//
// Two transports expose the hub:
//
//   - Handler: a gorilla/websocket endpoint speaking JSON frames
//     (join, leave, send from the client; joined, left, ack, message, error
//     from the server)
//   - LocalDialer: in-process connections with the same semantics
//
// Both rely on a Backend to authorize joins and persist messages before they
// are published, so a message is never delivered live without being stored.
package realtime
