// Package store provides persistent storage for forwarding bots using SQLite.
//
// # Data Models
//
//   - Bot: a user-registered bot token, its webhook secret, owner and target chat
//   - Message: maps a message the bot copied into the target chat back to the
//     private chat and message it came from
//
// Forward ids are only unique per bot, so lookups always take the bot id.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Transactions
//
// WithTx hands the callback a Store bound to a single transaction. Returning an
// error from the callback rolls every write back:
//
//	err := s.WithTx(ctx, func(tx store.Store) error {
//		if err := tx.CreateBot(ctx, bot); err != nil {
//			return err
//		}
//		return registerWebhook(ctx, bot)
//	})
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateBot: token or secret already registered
//   - ErrDuplicateMessage: forward id already mapped for the bot
//
// # Testing
//
// Use NewMockStore() for unit tests. Use NewSQLiteStore with a path under
// t.TempDir() for integration tests with real SQLite.
package store
