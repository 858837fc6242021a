// Package conversation is the core of the chat engine.
//
// # Directory
//
// Directory maps an unordered pair of participants to exactly one
// conversation, creating it in human mode on first contact. The store's
// unique pair key serializes concurrent first contact; the loser of a race
// re-reads and returns the winner. The second party of the first contact is
// recorded as the operator, the first as the counterpart.
//
// # Service
//
// Service is the consumer API used by transports and embedded callers:
//
//	svc := conversation.NewService(store, hub, replier, conversation.ServiceConfig{}, logger)
//	res, _ := svc.Open(ctx, "u1", "b1")
//	msg, _ := svc.Send(ctx, &conversation.SendRequest{ConversationID: res.Conversation.ID, SenderID: "u1", Body: "hello"})
//
// Send always stores first and publishes second. If the store fails, the
// message is not published and ErrPersistenceFailure is returned, so nothing
// is ever shown live that would vanish from history.
//
// # Response modes
//
// ModeController is the gate between the live path and the automated
// replier. A message is forwarded only when the conversation's mode, read
// when the message is sent, is bot and the sender is the counterpart.
// Switching modes never rewrites history. Replies are generated on a bounded
// number of background workers; a missing or failing replier only means no
// reply arrives.
package conversation
