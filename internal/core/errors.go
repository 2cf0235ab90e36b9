package core

import "errors"

var (
	// ErrNotStarted is returned before SyncService.Start has hydrated a thread.
	ErrNotStarted = errors.New("sync service not started")
	// ErrOffline is returned by operations that need the network while the
	// connectivity monitor reports offline. No request was attempted.
	ErrOffline = errors.New("offline")
	// ErrStaleResponse marks a response that belongs to a thread or snapshot
	// generation that is no longer current. It is never shown to users.
	ErrStaleResponse = errors.New("stale response discarded")
	// ErrSyncConflict is returned when the ledger refuses a pushed batch; the
	// transactions stay unsynced.
	ErrSyncConflict = errors.New("remote ledger rejected sync batch")

	ErrEmptyMessage    = errors.New("message content cannot be empty")
	ErrTurnInProgress  = errors.New("a message is already being processed")
	ErrNothingToRetry  = errors.New("no previous message to retry")
	ErrInvalidLedgerTx = errors.New("transaction requires description, accounts and category")
)
