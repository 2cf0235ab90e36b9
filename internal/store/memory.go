package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
)

type memMessage struct {
	msg Message
	seq uint64
}

type memTransaction struct {
	tx  Transaction
	seq uint64
}

// MemoryStore keeps everything in process memory. It backs tests and the
// degraded mode of FallbackStore.
type MemoryStore struct {
	mu           sync.RWMutex
	seq          uint64
	messages     map[string]*memMessage
	transactions map[string]*memTransaction
	accounts     map[string]Account
	profile      *UserProfile
	appState     *AppState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]*memMessage),
		transactions: make(map[string]*memTransaction),
		accounts:     make(map[string]Account),
	}
}

func (s *MemoryStore) PutMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg.Timestamp = msg.Timestamp.UTC()
	if existing, ok := s.messages[msg.ID]; ok {
		existing.msg = msg
		return nil
	}
	s.seq++
	s.messages[msg.ID] = &memMessage{msg: msg, seq: s.seq}
	return nil
}

func (s *MemoryStore) PutTransaction(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx.Timestamp = tx.Timestamp.UTC()
	if existing, ok := s.transactions[tx.ID]; ok {
		tx.Synced = tx.Synced || existing.tx.Synced
		existing.tx = tx
		return nil
	}
	s.seq++
	s.transactions[tx.ID] = &memTransaction{tx: tx, seq: s.seq}
	return nil
}

func (s *MemoryStore) PutAccount(_ context.Context, acc Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc.Currency == "" {
		acc.Currency = "USD"
	}
	s.accounts[acc.Name] = acc
	return nil
}

func (s *MemoryStore) PutUserProfile(_ context.Context, profile UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := cloneProfile(profile)
	s.profile = &p
	return nil
}

func (s *MemoryStore) PutAppState(_ context.Context, state AppState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appState = &state
	return nil
}

func (s *MemoryStore) AppState(_ context.Context) (*AppState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.appState == nil {
		return nil, nil
	}
	state := *s.appState
	return &state, nil
}

func (s *MemoryStore) UserProfile(_ context.Context) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil, nil
	}
	p := cloneProfile(*s.profile)
	return &p, nil
}

func (s *MemoryStore) Messages(_ context.Context, threadID string) ([]Message, error) {
	return s.messagesWhere(threadID, func(Message) bool { return true }), nil
}

func (s *MemoryStore) PendingMessages(_ context.Context, threadID string) ([]Message, error) {
	return s.messagesWhere(threadID, func(m Message) bool {
		return m.Pending && m.Role == RoleUser
	}), nil
}

func (s *MemoryStore) Transactions(_ context.Context, threadID string) ([]Transaction, error) {
	return s.transactionsWhere(threadID, func(Transaction) bool { return true }), nil
}

func (s *MemoryStore) UnsyncedTransactions(_ context.Context, threadID string) ([]Transaction, error) {
	return s.transactionsWhere(threadID, func(tx Transaction) bool { return !tx.Synced }), nil
}

func (s *MemoryStore) Accounts(_ context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		accounts = append(accounts, acc)
	}
	slices.SortFunc(accounts, func(a, b Account) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return accounts, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if existing, ok := s.transactions[id]; ok {
			existing.tx.Synced = true
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*memMessage)
	s.transactions = make(map[string]*memTransaction)
	s.accounts = make(map[string]Account)
	s.profile = nil
	s.appState = nil
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) messagesWhere(threadID string, keep func(Message) bool) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*memMessage
	for _, e := range s.messages {
		if e.msg.ThreadID == threadID && keep(e.msg) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *memMessage) int {
		if c := a.msg.Timestamp.Compare(b.msg.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	messages := make([]Message, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, e.msg)
	}
	return messages
}

func (s *MemoryStore) transactionsWhere(threadID string, keep func(Transaction) bool) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*memTransaction
	for _, e := range s.transactions {
		if e.tx.ThreadID == threadID && keep(e.tx) {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *memTransaction) int {
		if c := a.tx.Timestamp.Compare(b.tx.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	transactions := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		transactions = append(transactions, e.tx)
	}
	return transactions
}

func cloneProfile(p UserProfile) UserProfile {
	p.IncomeSources = slices.Clone(p.IncomeSources)
	p.RetirementAccounts = slices.Clone(p.RetirementAccounts)
	p.InvestmentAccounts = slices.Clone(p.InvestmentAccounts)
	return p
}

var _ LocalStore = (*MemoryStore)(nil)
