package store

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable reports that durable local storage could not be used.
// Callers holding a FallbackStore never see it; it is logged when the store
// degrades to memory.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// LocalStore is the keyed local persistence for the five entity kinds.
// Every Put is an upsert by primary key, last write wins, except that a
// transaction's Synced flag is never cleared once set.
type LocalStore interface {
	PutMessage(ctx context.Context, msg Message) error
	PutTransaction(ctx context.Context, tx Transaction) error
	PutAccount(ctx context.Context, acc Account) error
	PutUserProfile(ctx context.Context, profile UserProfile) error
	PutAppState(ctx context.Context, state AppState) error

	// AppState and UserProfile return (nil, nil) when nothing is stored.
	AppState(ctx context.Context) (*AppState, error)
	UserProfile(ctx context.Context) (*UserProfile, error)

	// Messages and Transactions return the thread's rows ordered by
	// timestamp, ties broken by insertion order.
	Messages(ctx context.Context, threadID string) ([]Message, error)
	Transactions(ctx context.Context, threadID string) ([]Transaction, error)
	Accounts(ctx context.Context) ([]Account, error)

	UnsyncedTransactions(ctx context.Context, threadID string) ([]Transaction, error)
	PendingMessages(ctx context.Context, threadID string) ([]Message, error)
	MarkSynced(ctx context.Context, ids []string) error

	Clear(ctx context.Context) error
	Close() error
}

// timeLayout is fixed width so that lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
