// Package store persists the subscription state shared by the command
// handlers and the background sweep:
//
//   - subscribers and their tracked accounts + check interval
//   - the shared status-endpoint credentials
//   - the per-account "already notified unlocked" cache
//
// Two backends are available behind store.Open: a JSON snapshot file
// (atomic replace) and SQLite.
package store
