package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSyncService_StartHydratesWithoutNetwork(t *testing.T) {
	ctx := context.Background()
	ls := store.NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ls.PutAppState(ctx, store.AppState{ThreadID: "thread-1", SetupStep: 2}))
	for i, m := range []store.Message{
		{ID: "m1", Role: store.RoleUser, Content: "hi"},
		{ID: "m2", Role: store.RoleAssistant, Content: failureText, Error: true, Superseded: true},
		{ID: "m3", Role: store.RoleUser, Content: "hi"},
		{ID: "m4", Role: store.RoleAssistant, Content: "Hello!"},
		{ID: "m5", Role: store.RoleUser, Content: "log $5"},
		{ID: "m6", Role: store.RoleAssistant, Content: failureText, Error: true},
	} {
		m.ThreadID = "thread-1"
		m.Timestamp = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, ls.PutMessage(ctx, m))
	}

	h := newHarness(t, ls, nil, false)
	h.sync.clock = NewClock(func() time.Time { return base.Add(-time.Hour) })
	h.start(t)
	st := h.sync.State()

	require.Equal(t, PhaseReady, st.Phase)
	require.True(t, st.Offline)
	require.Equal(t, "thread-1", st.ThreadID)
	require.Equal(t, 2, st.SetupStep)
	// An error replaced by a retry is hidden; the trailing one stays visible.
	require.Equal(t, []string{"m1", "m3", "m4", "m5", "m6"}, ids(st.Messages))
	require.Zero(t, h.remote.count("FetchState"))

	// New messages sort after the loaded history even with a clock behind it.
	require.True(t, h.sync.now().After(base.Add(5*time.Second)))
	require.True(t, h.sync.now().Before(base.Add(6*time.Second)))
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSyncService_StartCreatesThread(t *testing.T) {
	h := newHarness(t, nil, nil, false).start(t)

	st := h.sync.State()
	require.NotEmpty(t, st.ThreadID)
	require.Empty(t, st.Messages)

	saved, err := h.store.AppState(context.Background())
	require.NoError(t, err)
	require.Equal(t, st.ThreadID, saved.ThreadID)

	require.Error(t, h.sync.Start(context.Background()), "second start")
}

func TestSyncService_NotStarted(t *testing.T) {
	h := newHarness(t, nil, nil, true)
	require.ErrorIs(t, h.sync.Sync(context.Background()), ErrNotStarted)
	require.ErrorIs(t, h.chat.Submit(context.Background(), "hi", nil), ErrNotStarted)
}

func TestSyncService_SyncAppliesStateAndSeries(t *testing.T) {
	h := newHarness(t, nil, nil, true).start(t)
	h.waitSynced(t)

	st := h.sync.State()
	require.NotNil(t, st.Snapshot)
	require.True(t, st.Snapshot.NetWorth.Equal(decimal.NewFromInt(1000)))
	require.True(t, st.SetupComplete)
	require.Len(t, st.Accounts, 1)
	require.Equal(t, "Chase", st.UserProfile.PrimaryBank)
	require.Len(t, st.MonthlySeries, 1)

	ctx := context.Background()
	accounts, err := h.store.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	app, err := h.store.AppState(ctx)
	require.NoError(t, err)
	require.NotNil(t, app.LastSyncTimestamp)
	require.True(t, app.SetupComplete)
}

func TestSyncService_SyncOffline(t *testing.T) {
	h := newHarness(t, nil, nil, false).start(t)

	require.ErrorIs(t, h.sync.Sync(context.Background()), ErrOffline)
	_, err := h.sync.ExportLedger(context.Background(), &strings.Builder{})
	require.ErrorIs(t, err, ErrOffline)
	require.Zero(t, h.remote.count("FetchState"))
	require.Zero(t, h.remote.count("FetchMonthlySeries"))
}

func TestSyncService_ConcurrentSyncsShareOneFetch(t *testing.T) {
	fake := newFakeRemote()
	gate := make(chan struct{})
	fake.stateGate = gate
	var closeGate sync.Once
	release := func() { closeGate.Do(func() { close(gate) }) }
	t.Cleanup(release)

	h := newHarness(t, nil, fake, true).start(t)
	// The startup sync is now parked inside FetchState.
	require.Eventually(t, func() bool { return fake.count("FetchState") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, PhaseSyncing, h.sync.State().Phase)

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- h.sync.Sync(context.Background()) }()
	}
	time.Sleep(50 * time.Millisecond)
	release()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.Equal(t, 1, fake.count("FetchState"))
	require.Equal(t, 1, fake.count("FetchMonthlySeries"))
	h.waitSynced(t)
}

func TestSyncService_CallerCancelDoesNotFailSharedFetch(t *testing.T) {
	fake := newFakeRemote()
	gate := make(chan struct{})
	fake.stateGate = gate
	h := newHarness(t, nil, fake, true).start(t)
	require.Eventually(t, func() bool { return fake.count("FetchState") == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.sync.Sync(ctx), context.Canceled)

	close(gate)
	h.waitSynced(t)
	require.Equal(t, 1, fake.count("FetchState"))
}

func TestSyncService_PartialFailureKeepsOtherResult(t *testing.T) {
	fake := newFakeRemote()
	fake.seriesErr = &remote.RemoteError{StatusCode: 500, Message: "boom"}
	h := newHarness(t, nil, fake, false).start(t)
	h.monitor.SetOnline(true)

	require.Eventually(t, func() bool { return h.sync.State().Snapshot != nil }, time.Second, 5*time.Millisecond)

	err := h.sync.Sync(context.Background())
	var remoteErr *remote.RemoteError
	require.ErrorAs(t, err, &remoteErr)

	st := h.sync.State()
	require.Equal(t, PhaseReady, st.Phase)
	require.Nil(t, st.MonthlySeries)
	require.Nil(t, st.LastSyncAt)
	require.True(t, st.Snapshot.NetWorth.Equal(decimal.NewFromInt(1000)))
}

func TestSyncService_DropsSnapshotOlderThanApplied(t *testing.T) {
	fake := newFakeRemote()
	fake.snapshot = snapshotWorth(1)
	gate := make(chan struct{})
	fake.stateGate = gate
	h := newHarness(t, nil, fake, true).start(t)
	require.Eventually(t, func() bool { return fake.count("FetchState") == 1 }, time.Second, 5*time.Millisecond)

	// A turn lands while the fetch is in flight.
	require.True(t, h.sync.applySnapshot(h.sync.State().ThreadID, snapshotWorth(1000)))
	close(gate)
	h.waitSynced(t)

	st := h.sync.State()
	require.True(t, st.Snapshot.NetWorth.Equal(decimal.NewFromInt(1000)))
	require.Len(t, st.Accounts, 1, "mirrors still refresh")
}

func TestSyncService_DiscardsResponseForPreviousThread(t *testing.T) {
	fake := newFakeRemote()
	gate := make(chan struct{})
	fake.stateGate = gate
	h := newHarness(t, nil, fake, true).start(t)
	require.Eventually(t, func() bool { return fake.count("FetchState") == 1 }, time.Second, 5*time.Millisecond)

	oldThread := h.sync.State().ThreadID
	newThread, err := h.sync.ResetThread(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, oldThread, newThread)

	close(gate)
	require.Eventually(t, func() bool { return h.sync.State().Phase == PhaseReady }, time.Second, 5*time.Millisecond)

	st := h.sync.State()
	require.Equal(t, newThread, st.ThreadID)
	require.Nil(t, st.Snapshot)
	require.Empty(t, st.Accounts)
	accounts, err := h.store.Accounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, accounts)
}

func TestSyncService_ReconnectRightAfterStartCatchesUpOnce(t *testing.T) {
	h := newHarness(t, nil, nil, false).start(t)
	h.monitor.SetOnline(true)
	h.waitSynced(t)

	require.Never(t, func() bool { return h.remote.count("FetchState") > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, h.remote.count("FetchState"))
}

func TestSyncService_HydrateRunsNoBackgroundWork(t *testing.T) {
	ctx := context.Background()
	ls := store.NewMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, ls.PutAppState(ctx, store.AppState{ThreadID: "thread-1"}))
	require.NoError(t, ls.PutMessage(ctx, store.Message{ID: "m1", ThreadID: "thread-1", Role: store.RoleUser, Content: "spent $10", Timestamp: base, Pending: true}))
	require.NoError(t, ls.PutTransaction(ctx, store.Transaction{
		ID: "tx1", ThreadID: "thread-1", Timestamp: base, Description: "Coffee", Amount: decimal.NewFromInt(-4),
		AccountFrom: "Checking", AccountTo: "Food", Category: "expense",
	}))

	fake := newFakeRemote()
	fake.export = "ID,Description\ntx1,Coffee\n"
	h := newHarness(t, ls, fake, true)
	require.NoError(t, h.sync.Hydrate(ctx))
	t.Cleanup(h.sync.Close)
	require.Equal(t, PhaseReady, h.sync.State().Phase)

	var sb strings.Builder
	_, err := h.sync.ExportLedger(ctx, &sb)
	require.NoError(t, err)
	require.Equal(t, fake.export, sb.String())

	require.Never(t, func() bool {
		return fake.count("SendMessage")+fake.count("PushUnsyncedBatch")+fake.count("FetchState") > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
	pending, err := ls.PendingMessages(ctx, "thread-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSyncService_SyncMirrorsRemoteLedger(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := newFakeRemote()
	// The push fails, so only the mirror can mark the local row synced.
	fake.pushErr = &remote.RemoteError{StatusCode: 500, Message: "busy"}
	for i := range ledgerPageSize + 1 {
		fake.ledger = append(fake.ledger, store.Transaction{
			ID: fmt.Sprintf("tx-%03d", i), Timestamp: base.Add(time.Duration(ledgerPageSize-i) * time.Hour),
			Description: "Groceries", Amount: decimal.NewFromInt(-20),
			AccountFrom: "Checking", AccountTo: "Food", Category: "expense",
		})
	}

	ls := store.NewMemoryStore()
	require.NoError(t, ls.PutAppState(ctx, store.AppState{ThreadID: "thread-1"}))
	local := fake.ledger[0]
	local.ThreadID = "thread-1"
	require.NoError(t, ls.PutTransaction(ctx, local))

	h := newHarness(t, ls, fake, true).start(t)
	h.waitSynced(t)
	require.NoError(t, h.sync.Sync(ctx))

	txs, err := h.sync.Transactions(ctx)
	require.NoError(t, err)
	require.Len(t, txs, ledgerPageSize+1)
	require.Equal(t, "tx-100", txs[0].ID, "oldest first")
	for _, tx := range txs {
		require.True(t, tx.Synced)
		require.Equal(t, "thread-1", tx.ThreadID)
	}
	unsynced, err := ls.UnsyncedTransactions(ctx, "thread-1")
	require.NoError(t, err)
	require.Empty(t, unsynced)
	fake.set(func(f *fakeRemote) { require.Empty(t, f.pushed) })
	require.GreaterOrEqual(t, fake.count("FetchTransactions"), 2, "ledger is paged")
}

func TestSyncService_LedgerFailureKeepsOtherResults(t *testing.T) {
	fake := newFakeRemote()
	fake.ledgerErr = &remote.RemoteError{StatusCode: 500, Message: "db locked"}
	h := newHarness(t, nil, fake, true).start(t)
	require.Eventually(t, func() bool { return fake.count("FetchTransactions") == 1 && h.sync.State().Phase == PhaseReady }, time.Second, 5*time.Millisecond)

	err := h.sync.Sync(context.Background())
	var remoteErr *remote.RemoteError
	require.ErrorAs(t, err, &remoteErr)

	st := h.sync.State()
	require.NotNil(t, st.Snapshot)
	require.NotEmpty(t, st.MonthlySeries)
	require.Nil(t, st.LastSyncAt)
}

func TestSyncService_RecordTransactionPushesOnReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, false).start(t)

	tx, err := h.sync.RecordTransaction(ctx, store.Transaction{
		Description: "Coffee", Amount: decimal.RequireFromString("-4.50"),
		AccountFrom: "Checking", AccountTo: "Food", Category: "expense",
	})
	require.NoError(t, err)
	require.NotEmpty(t, tx.ID)
	require.False(t, tx.Synced)

	_, err = h.sync.RecordTransaction(ctx, store.Transaction{Description: "missing accounts"})
	require.ErrorIs(t, err, ErrInvalidLedgerTx)

	unsynced, err := h.store.UnsyncedTransactions(ctx, h.sync.State().ThreadID)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	require.Zero(t, h.remote.count("PushUnsyncedBatch"))

	h.monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		unsynced, err := h.store.UnsyncedTransactions(ctx, h.sync.State().ThreadID)
		return err == nil && len(unsynced) == 0
	}, time.Second, 5*time.Millisecond)

	h.remote.set(func(f *fakeRemote) {
		require.Len(t, f.pushed, 1)
		require.Equal(t, tx.ID, f.pushed[0].Transactions[0].ID)
	})
	h.waitSynced(t)
}

func TestSyncService_PushConflictLeavesRowsUnsynced(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRemote()
	fake.pushAck = &remote.SyncAck{Success: false}
	h := newHarness(t, nil, fake, true).start(t)
	h.waitSynced(t)

	_, err := h.sync.RecordTransaction(ctx, store.Transaction{
		Description: "Rent", Amount: decimal.NewFromInt(-1500),
		AccountFrom: "Checking", AccountTo: "Housing", Category: "expense",
	})
	require.NoError(t, err)

	require.ErrorIs(t, h.sync.PushUnsynced(ctx), ErrSyncConflict)
	unsynced, err := h.store.UnsyncedTransactions(ctx, h.sync.State().ThreadID)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
}

func TestSyncService_PushAppliesAckSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, true).start(t)
	h.waitSynced(t)

	_, err := h.sync.RecordTransaction(ctx, store.Transaction{
		Description: "Coffee", Amount: decimal.NewFromInt(-10),
		AccountFrom: "Checking", AccountTo: "Food", Category: "expense",
	})
	require.NoError(t, err)
	require.NoError(t, h.sync.PushUnsynced(ctx))
	require.True(t, h.sync.State().Snapshot.NetWorth.Equal(decimal.NewFromInt(990)))
}

func TestSyncService_ResetThreadClearsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, false).start(t)
	require.NoError(t, h.chat.Submit(ctx, "hello", nil))
	oldThread := h.sync.State().ThreadID

	newThread, err := h.sync.ResetThread(ctx)
	require.NoError(t, err)

	st := h.sync.State()
	require.Equal(t, newThread, st.ThreadID)
	require.Empty(t, st.Messages)
	require.True(t, st.Offline)

	msgs, err := h.store.Messages(ctx, oldThread)
	require.NoError(t, err)
	require.Empty(t, msgs)
	app, err := h.store.AppState(ctx)
	require.NoError(t, err)
	require.Equal(t, newThread, app.ThreadID)
}

func TestSyncService_ExportLedger(t *testing.T) {
	fake := newFakeRemote()
	fake.export = "ID,Description\ntx1,Coffee\n"
	h := newHarness(t, nil, fake, true).start(t)

	var sb strings.Builder
	n, err := h.sync.ExportLedger(context.Background(), &sb)
	require.NoError(t, err)
	require.Equal(t, int64(len(fake.export)), n)
	require.Equal(t, fake.export, sb.String())
}

func TestSyncService_SubscribersSeeTransitionsInOrder(t *testing.T) {
	h := newHarness(t, nil, nil, false)

	var mu sync.Mutex
	var phases []Phase
	unsubscribe := h.sync.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		phases = append(phases, st.Phase)
	})
	h.start(t)

	mu.Lock()
	require.Equal(t, []Phase{PhaseHydrating, PhaseReady}, phases)
	mu.Unlock()

	unsubscribe()
	h.monitor.SetOnline(true)
	h.waitSynced(t)
	mu.Lock()
	require.Len(t, phases, 2)
	mu.Unlock()
}

// failingStore accepts reads but fails every durable write.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) PutMessage(context.Context, store.Message) error {
	return errors.New("disk full")
}

func TestSyncService_DegradedStoreKeepsSessionWorking(t *testing.T) {
	ctx := context.Background()
	ls := store.NewFallbackStore(ctx, failingStore{store.NewMemoryStore()}, zerolog.Nop())
	h := newHarness(t, ls, nil, true).start(t)
	h.waitSynced(t)
	require.False(t, h.sync.State().StorageDegraded)

	require.NoError(t, h.chat.Submit(ctx, "I spent $10", nil))

	st := h.sync.State()
	require.True(t, st.StorageDegraded)
	require.NotEmpty(t, st.Warning)
	require.Equal(t, []string{"user:I spent $10", "assistant:Logged."}, contents(st.Messages))
}
