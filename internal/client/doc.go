// Package client talks to a chat-gateway over the network.
//
// A Client covers the REST API (open, list, history, post, mode) and dials
// websocket connections to the realtime channel. It satisfies both
// session.Directory and session.Dialer, so a session.Controller can run
// against a remote gateway exactly as it runs in-process:
//
//	c, err := client.New(client.Config{BaseURL: "http://localhost:8080", Token: token})
//	ctrl, err := session.New(session.Config{Party: "support", Dialer: c, Directory: c})
//
// API failures are returned as *Error. Its Unwrap yields the conversation
// sentinel for the wire code, so errors.Is(err, conversation.ErrNotOperator)
// works on either side of the network.
package client
