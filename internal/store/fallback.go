package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// FallbackStore serves reads from an in-memory copy and writes through to a
// durable store. When the durable store is missing or a durable write fails,
// it degrades to memory only for the rest of the process instead of failing
// the caller.
type FallbackStore struct {
	mem      *MemoryStore
	durable  LocalStore
	degraded atomic.Bool
	mu       sync.Mutex // orders writes so memory and disk agree
	log      zerolog.Logger
}

// Open opens the SQLite database at dataSourceName behind a FallbackStore.
// It never fails: an unusable database yields a degraded, memory-only store.
func Open(ctx context.Context, dataSourceName string, log zerolog.Logger) *FallbackStore {
	durable, err := NewSQLiteStore(ctx, dataSourceName)
	if err != nil {
		s := &FallbackStore{mem: NewMemoryStore(), log: log}
		s.degrade(err)
		return s
	}
	return NewFallbackStore(ctx, durable, log)
}

// NewFallbackStore wraps durable, copying its current contents into memory.
func NewFallbackStore(ctx context.Context, durable LocalStore, log zerolog.Logger) *FallbackStore {
	s := &FallbackStore{mem: NewMemoryStore(), durable: durable, log: log}
	if err := s.seed(ctx); err != nil {
		s.degrade(err)
	}
	return s
}

// Degraded reports whether writes are no longer reaching durable storage.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) seed(ctx context.Context) error {
	state, err := s.durable.AppState(ctx)
	if err != nil {
		return err
	}
	if state != nil {
		_ = s.mem.PutAppState(ctx, *state)

		messages, err := s.durable.Messages(ctx, state.ThreadID)
		if err != nil {
			return err
		}
		for _, m := range messages {
			_ = s.mem.PutMessage(ctx, m)
		}

		transactions, err := s.durable.Transactions(ctx, state.ThreadID)
		if err != nil {
			return err
		}
		for _, tx := range transactions {
			_ = s.mem.PutTransaction(ctx, tx)
		}
	}

	accounts, err := s.durable.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		_ = s.mem.PutAccount(ctx, acc)
	}

	profile, err := s.durable.UserProfile(ctx)
	if err != nil {
		return err
	}
	if profile != nil {
		_ = s.mem.PutUserProfile(ctx, *profile)
	}
	return nil
}

func (s *FallbackStore) degrade(cause error) {
	if s.degraded.Swap(true) {
		return
	}
	s.log.Warn().
		Err(fmt.Errorf("%w: %v", ErrStorageUnavailable, cause)).
		Msg("Local storage unavailable, continuing in memory; data will not survive a restart")
}

// write applies op to memory and then, unless degraded, to durable storage.
func (s *FallbackStore) write(op func(LocalStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := op(s.mem); err != nil {
		return err
	}
	if s.durable == nil || s.degraded.Load() {
		return nil
	}
	if err := op(s.durable); err != nil {
		s.degrade(err)
	}
	return nil
}

func (s *FallbackStore) PutMessage(ctx context.Context, msg Message) error {
	return s.write(func(ls LocalStore) error { return ls.PutMessage(ctx, msg) })
}

func (s *FallbackStore) PutTransaction(ctx context.Context, tx Transaction) error {
	return s.write(func(ls LocalStore) error { return ls.PutTransaction(ctx, tx) })
}

func (s *FallbackStore) PutAccount(ctx context.Context, acc Account) error {
	return s.write(func(ls LocalStore) error { return ls.PutAccount(ctx, acc) })
}

func (s *FallbackStore) PutUserProfile(ctx context.Context, profile UserProfile) error {
	return s.write(func(ls LocalStore) error { return ls.PutUserProfile(ctx, profile) })
}

func (s *FallbackStore) PutAppState(ctx context.Context, state AppState) error {
	return s.write(func(ls LocalStore) error { return ls.PutAppState(ctx, state) })
}

func (s *FallbackStore) MarkSynced(ctx context.Context, ids []string) error {
	return s.write(func(ls LocalStore) error { return ls.MarkSynced(ctx, ids) })
}

func (s *FallbackStore) Clear(ctx context.Context) error {
	return s.write(func(ls LocalStore) error { return ls.Clear(ctx) })
}

func (s *FallbackStore) AppState(ctx context.Context) (*AppState, error) {
	return s.mem.AppState(ctx)
}

func (s *FallbackStore) UserProfile(ctx context.Context) (*UserProfile, error) {
	return s.mem.UserProfile(ctx)
}

func (s *FallbackStore) Messages(ctx context.Context, threadID string) ([]Message, error) {
	return s.mem.Messages(ctx, threadID)
}

func (s *FallbackStore) Transactions(ctx context.Context, threadID string) ([]Transaction, error) {
	return s.mem.Transactions(ctx, threadID)
}

func (s *FallbackStore) Accounts(ctx context.Context) ([]Account, error) {
	return s.mem.Accounts(ctx)
}

func (s *FallbackStore) UnsyncedTransactions(ctx context.Context, threadID string) ([]Transaction, error) {
	return s.mem.UnsyncedTransactions(ctx, threadID)
}

func (s *FallbackStore) PendingMessages(ctx context.Context, threadID string) ([]Message, error) {
	return s.mem.PendingMessages(ctx, threadID)
}

func (s *FallbackStore) Close() error {
	if s.durable == nil {
		return nil
	}
	return s.durable.Close()
}

var _ LocalStore = (*FallbackStore)(nil)
