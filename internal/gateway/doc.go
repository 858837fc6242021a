// Package gateway runs the chat-gateway server.
//
// # Overview
//
// A Gateway owns the store, the realtime hub, the conversation service and
// two listeners: HTTP for the API and websocket channel, gRPC for the
// standard health service. Listeners are plain TCP, or tsnet when
// tailscale.enabled is set.
//
// # HTTP API
//
// Health endpoints need no credentials:
//
//	GET  /health                               liveness
//	GET  /health/ready                         503 until serving and during shutdown
//
// The conversation API acts for the party identified by auth.Authenticator:
//
//	POST /api/conversations                    {peer_id} -> {conversation, history, created}
//	GET  /api/conversations                    conversations of the caller
//	GET  /api/conversations/{id}/messages      ?limit=N
//	POST /api/conversations/{id}/messages      {body, client_id} -> {message}
//	PUT  /api/conversations/{id}/mode          {mode}, operator only
//	GET  /api/conversations/{id}/transcript    text/html
//	GET  /ws                                   realtime websocket channel
//
// Errors are JSON {"error": "...", "code": "..."}. The code is the same one
// the websocket channel uses in error frames.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; cancelling ctx shuts down gracefully
//
// Shutdown marks the health service NOT_SERVING, detaches every websocket
// member, drains both servers, stops automated replies and closes the store.
package gateway
