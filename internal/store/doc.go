// Package store provides persistent storage for conversations and their messages.
//
// # Architecture
//
// Two narrow interfaces describe the persistence contract:
//
//   - ConversationStore: the directory of participant pairs and their response mode
//   - MessageStore: the append-only, ordered message log per conversation
//
// Store combines both. SQLiteStore implements Store on either the pure-Go
// modernc.org/sqlite driver or the cgo github.com/mattn/go-sqlite3 driver;
// MockStore implements it in memory for tests.
//
// # Data Models
//
//   - Conversation: two participants, a response Mode and timestamps. At most
//     one conversation exists per unordered pair, enforced by a unique pair key.
//   - Message: sender, receiver, body and an Origin tag. IDs are derived from
//     the append time in milliseconds and strictly increase per conversation.
//
// # Thread Safety
//
// All implementations are safe for concurrent use. Appends to the same store
// are serialized so assigned ids never repeat.
package store
