package core

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiraleos/accountant-client/internal/connectivity"
	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeRemote records calls and returns canned responses. A non-nil gate
// blocks the matching call until it is closed.
type fakeRemote struct {
	mu sync.Mutex

	calls map[string]int
	sent  []string

	chatResp  *remote.ChatResponse
	chatErr   error
	chatGate  chan struct{}
	snapshot  store.Snapshot
	accounts  []store.Account
	stateErr  error
	stateGate chan struct{}
	series    []store.MonthlyPoint
	seriesErr error
	pushAck   *remote.SyncAck
	pushErr   error
	pushed    []remote.SyncRequest
	ledger    []store.Transaction // newest first, as the service pages it
	ledgerErr error
	export    string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		calls:    make(map[string]int),
		chatResp: &remote.ChatResponse{Response: "Logged.", Snapshot: snapshotWorth(1000), SetupComplete: true, SetupStep: 3},
		snapshot: snapshotWorth(1000),
		accounts: []store.Account{{Name: "Checking", Type: "asset", Balance: decimal.NewFromInt(1000), Currency: "USD"}},
		series:   []store.MonthlyPoint{{Month: "Jan", Income: decimal.NewFromInt(4000), Expenses: decimal.NewFromInt(10)}},
		pushAck:  &remote.SyncAck{Success: true, Snapshot: snapshotWorth(990), TransactionCount: 1},
	}
}

func snapshotWorth(netWorth int64) store.Snapshot {
	return store.Snapshot{NetWorth: decimal.NewFromInt(netWorth), TotalCash: decimal.NewFromInt(netWorth)}
}

func (f *fakeRemote) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeRemote) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeRemote) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func wait(gate chan struct{}) {
	if gate != nil {
		<-gate
	}
}

func (f *fakeRemote) SendMessage(_ context.Context, threadID, message string) (*remote.ChatResponse, error) {
	f.record("SendMessage")
	f.mu.Lock()
	gate := f.chatGate
	f.mu.Unlock()
	wait(gate)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	resp := *f.chatResp
	return &resp, nil
}

func (f *fakeRemote) SendMessageWithAttachment(ctx context.Context, threadID, message string, att remote.Attachment) (*remote.ChatResponse, error) {
	f.record("SendMessageWithAttachment")
	return f.SendMessage(ctx, threadID, message+" ["+att.FileName+"]")
}

func (f *fakeRemote) FetchState(_ context.Context, threadID string) (*remote.StateResponse, error) {
	f.record("FetchState")
	f.mu.Lock()
	gate := f.stateGate
	f.mu.Unlock()
	wait(gate)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return &remote.StateResponse{
		ThreadID:      threadID,
		Snapshot:      f.snapshot,
		UserProfile:   &store.UserProfile{TaxResidency: "US", PrimaryBank: "Chase", SetupComplete: true},
		Accounts:      f.accounts,
		SetupComplete: true,
	}, nil
}

func (f *fakeRemote) FetchMonthlySeries(_ context.Context, threadID string, year int) (*remote.MonthlySeries, error) {
	f.record("FetchMonthlySeries")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seriesErr != nil {
		return nil, f.seriesErr
	}
	return &remote.MonthlySeries{Data: f.series, Year: 2025}, nil
}

func (f *fakeRemote) FetchTransactions(_ context.Context, threadID string, limit, offset int) (*remote.TransactionPage, error) {
	f.record("FetchTransactions")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ledgerErr != nil {
		return nil, f.ledgerErr
	}
	page := &remote.TransactionPage{Transactions: []store.Transaction{}}
	for i := offset; i < len(f.ledger) && i < offset+limit; i++ {
		tx := f.ledger[i]
		tx.ThreadID = threadID
		tx.Synced = true
		page.Transactions = append(page.Transactions, tx)
	}
	page.Count = len(page.Transactions)
	return page, nil
}

func (f *fakeRemote) ExportLedger(_ context.Context, threadID string, w io.Writer) (int64, error) {
	f.record("ExportLedger")
	n, err := io.Copy(w, strings.NewReader(f.export))
	return n, err
}

func (f *fakeRemote) PushUnsyncedBatch(_ context.Context, req remote.SyncRequest) (*remote.SyncAck, error) {
	f.record("PushUnsyncedBatch")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return nil, f.pushErr
	}
	f.pushed = append(f.pushed, req)
	ack := *f.pushAck
	return &ack, nil
}

type harness struct {
	store   store.LocalStore
	remote  *fakeRemote
	monitor *connectivity.Manual
	sync    *SyncService
	chat    *ConversationService
}

func newHarness(t *testing.T, ls store.LocalStore, fake *fakeRemote, online bool) *harness {
	t.Helper()
	if ls == nil {
		ls = store.NewMemoryStore()
	}
	if fake == nil {
		fake = newFakeRemote()
	}
	h := &harness{store: ls, remote: fake, monitor: connectivity.NewManual(online)}
	h.sync = NewSyncService(ls, fake, h.monitor, zerolog.Nop(), SyncOptions{})
	h.chat = NewConversationService(h.sync, zerolog.Nop())
	return h
}

func (h *harness) start(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, h.sync.Start(context.Background()))
	t.Cleanup(h.sync.Close)
	return h
}

// waitSynced waits for a sync that fetched both state and series.
func (h *harness) waitSynced(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.sync.State()
		return st.LastSyncAt != nil && st.Phase == PhaseReady
	}, time.Second, 5*time.Millisecond)
}

func contents(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.Role) + ":" + m.Content
	}
	return out
}
