// Package session drives one participant's side of a conversation.
//
// A Controller keeps a realtime connection up, reconnecting with backoff,
// and keeps it joined to the open conversation's room. Sends are shown
// immediately as pending entries and go out only after the join is
// acknowledged; the server's echo (or a history resync after a reconnect)
// turns them into confirmed entries, so every stored message is rendered
// exactly once.
//
// The transport is abstract: realtime.LocalDialer serves in-process use and
// the client package speaks the websocket protocol.
package session
