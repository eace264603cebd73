// Package zos provides a minimal public API for embedding the watcher core.
//
// Most integrations should run the zos binary and read the HTTP introspection
// surface. This package exports only the essential types and constructors for
// Go programs that want to use the storage layer and ledger programmatically.
package zos

import (
	"context"

	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/storage/sqlite"
	"github.com/zos-ai/zos/internal/types"
)

// Core entity types.
type (
	Message     = types.Message
	Topic       = types.Topic
	LedgerEntry = types.LedgerEntry
	Insight     = types.Insight
	RunRecord   = types.RunRecord
	CallRecord  = types.CallRecord
)

// Ledger transaction kinds.
const (
	TxnEarn      = types.TxnEarn
	TxnSpend     = types.TxnSpend
	TxnRetain    = types.TxnRetain
	TxnDecay     = types.TxnDecay
	TxnPropagate = types.TxnPropagate
	TxnSpillover = types.TxnSpillover
	TxnWarm      = types.TxnWarm
	TxnReset     = types.TxnReset
)

// Storage is the persistence interface backing the watcher core.
type Storage = storage.Storage

// Open opens (creating if necessary) a zos SQLite database for
// programmatic access.
func Open(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}
