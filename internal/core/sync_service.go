package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiraleos/accountant-client/internal/connectivity"
	"github.com/kiraleos/accountant-client/internal/remote"
	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type SyncOptions struct {
	// Interval between background catch-up passes. Zero disables them.
	Interval time.Duration
	// Now overrides the wall clock, for tests.
	Now func() time.Time
}

// SyncService owns the client State and is the only component that decides
// when to talk to the remote service.
type SyncService struct {
	store    store.LocalStore
	remote   RemoteService
	monitor  connectivity.Monitor
	log      zerolog.Logger
	clock    *Clock
	interval time.Duration

	mu          sync.Mutex
	state       State
	history     []store.Message // every message of the thread, errors included
	appState    store.AppState
	snapshotGen uint64
	syncing     int

	persistMu sync.Mutex // orders AppState writes
	notifyMu  sync.Mutex // orders subscriber callbacks
	subsMu    sync.Mutex
	subs      map[int]func(State)
	nextSub   int

	flight     singleflight.Group
	requests   chan struct{}
	pushes     chan struct{}
	reconnects chan struct{}
	hooksMu    sync.Mutex
	hooks      []func(context.Context)

	unsubscribe func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewSyncService(ls store.LocalStore, rs RemoteService, monitor connectivity.Monitor, log zerolog.Logger, opts SyncOptions) *SyncService {
	return &SyncService{
		store:      ls,
		remote:     rs,
		monitor:    monitor,
		log:        log,
		clock:      NewClock(opts.Now),
		interval:   opts.Interval,
		state:      State{Phase: PhaseUninitialized},
		subs:       make(map[int]func(State)),
		requests:   make(chan struct{}, 1),
		pushes:     make(chan struct{}, 1),
		reconnects: make(chan struct{}, 1),
	}
}

// Start hydrates State from the local store and starts the background loop.
// It never waits on the network.
func (s *SyncService) Start(ctx context.Context) error {
	online, err := s.hydrate(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(loopCtx, online)
	return nil
}

// Hydrate loads State from the local store without starting any background
// work, for one-shot commands.
func (s *SyncService) Hydrate(ctx context.Context) error {
	_, err := s.hydrate(ctx)
	return err
}

// hydrate reports whether the monitor was online just before subscribing;
// later transitions arrive through the reconnect signal.
func (s *SyncService) hydrate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.state.Phase != PhaseUninitialized {
		s.mu.Unlock()
		return false, errors.New("sync service already started")
	}
	s.mu.Unlock()

	s.update(func(st *State) bool {
		st.Phase = PhaseHydrating
		st.Offline = !s.monitor.Online()
		return true
	})

	appState, err := s.loadAppState(ctx)
	if err != nil {
		s.update(func(st *State) bool {
			*st = State{Phase: PhaseUninitialized}
			return true
		})
		return false, fmt.Errorf("failed to load app state: %w", err)
	}

	messages, err := s.store.Messages(ctx, appState.ThreadID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load cached messages")
	}
	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load cached accounts")
	}
	profile, err := s.store.UserProfile(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to load cached user profile")
	}
	if n := len(messages); n > 0 {
		s.clock.Observe(messages[n-1].Timestamp)
	}

	online := s.monitor.Online()
	s.unsubscribe = s.monitor.Subscribe(s.onConnectivity)

	s.update(func(st *State) bool {
		s.appState = *appState
		s.history = messages
		st.ThreadID = appState.ThreadID
		st.SetupStep = appState.SetupStep
		st.SetupComplete = appState.SetupComplete
		st.LastSyncAt = appState.LastSyncTimestamp
		st.Accounts = accounts
		st.UserProfile = profile
		st.Offline = !s.monitor.Online()
		st.Phase = PhaseReady
		return true
	})
	s.log.Info().Str("thread_id", appState.ThreadID).Int("messages", len(messages)).Msg("Hydrated from local store")
	return online, nil
}

func (s *SyncService) loadAppState(ctx context.Context) (*store.AppState, error) {
	state, err := s.store.AppState(ctx)
	if err != nil {
		return nil, err
	}
	if state != nil && state.ThreadID != "" {
		return state, nil
	}

	state = &store.AppState{ThreadID: uuid.NewString()}
	if err := s.store.PutAppState(ctx, *state); err != nil {
		return nil, err
	}
	s.log.Info().Str("thread_id", state.ThreadID).Msg("Created new thread")
	return state, nil
}

// Close unsubscribes from the monitor and stops the background loop.
func (s *SyncService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SyncService) run(ctx context.Context, online bool) {
	defer s.wg.Done()

	if online {
		s.catchUp(ctx, "startup")
	}

	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnects:
			s.catchUp(ctx, "reconnect")
		case <-s.pushes:
			s.logResult("push", s.PushUnsynced(ctx))
		case <-s.requests:
			s.logResult("sync", s.Sync(ctx))
		case <-tick:
			if s.Online() {
				s.catchUp(ctx, "interval")
			}
		}
	}
}

// catchUp pushes local transactions, runs the reconnect hooks and then
// refreshes from the remote, in that order.
func (s *SyncService) catchUp(ctx context.Context, reason string) {
	s.log.Debug().Str("reason", reason).Msg("Catching up with remote")
	s.logResult("push", s.PushUnsynced(ctx))

	s.hooksMu.Lock()
	hooks := slices.Clone(s.hooks)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}

	s.logResult("sync", s.Sync(ctx))
}

func (s *SyncService) logResult(op string, err error) {
	switch {
	case err == nil, errors.Is(err, ErrOffline), errors.Is(err, context.Canceled):
	case errors.Is(err, ErrStaleResponse):
		s.log.Debug().Str("op", op).Msg("Discarded stale response")
	default:
		s.log.Warn().Err(err).Str("op", op).Msg("Background operation failed")
	}
}

func (s *SyncService) onConnectivity(online bool) {
	s.update(func(st *State) bool {
		st.Offline = !online
		return true
	})
	s.log.Info().Bool("online", online).Msg("Connectivity changed")
	if online {
		signal(s.reconnects)
	}
}

// OnReconnect registers a hook that runs on every catch-up pass, after
// unsynced transactions are pushed and before the refresh.
func (s *SyncService) OnReconnect(hook func(ctx context.Context)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// RequestSync schedules a background sync. Requests made while one is
// already queued are merged.
func (s *SyncService) RequestSync() {
	signal(s.requests)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *SyncService) Online() bool {
	return s.monitor.Online()
}

func (s *SyncService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every published State. fn runs synchronously in
// transition order and must not call back into the service.
func (s *SyncService) Subscribe(fn func(State)) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// update applies fn to a copy of the current State and publishes it, unless
// fn returns false. The visible message list and the storage warning are
// derived here so every transition carries them.
func (s *SyncService) update(fn func(st *State) bool) bool {
	s.mu.Lock()
	next := s.state
	if !fn(&next) {
		s.mu.Unlock()
		return false
	}
	next.Messages = visibleMessages(s.history)
	if d, ok := s.store.(degradable); ok && d.Degraded() {
		next.StorageDegraded = true
		next.Warning = degradedWarning
	}
	s.state = next

	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.subsMu.Lock()
	subs := make([]func(State), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		sub(next)
	}
	return true
}

// noteStorage publishes a transition if the store degraded since the last one.
func (s *SyncService) noteStorage() {
	d, ok := s.store.(degradable)
	if !ok || !d.Degraded() {
		return
	}
	s.update(func(st *State) bool { return !st.StorageDegraded })
}

// commit applies fn to State and AppState together and persists the AppState.
func (s *SyncService) commit(ctx context.Context, fn func(st *State, app *store.AppState) bool) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	var app store.AppState
	ok := s.update(func(st *State) bool {
		next := s.appState
		if !fn(st, &next) {
			return false
		}
		s.appState = next
		app = next
		return true
	})
	if !ok {
		return false, nil
	}
	err := s.store.PutAppState(context.WithoutCancel(ctx), app)
	s.noteStorage()
	if err != nil {
		return true, fmt.Errorf("failed to persist app state: %w", err)
	}
	return true, nil
}

func (s *SyncService) activeThread() (string, error) {
	st := s.State()
	if st.ThreadID == "" || st.Phase == PhaseUninitialized || st.Phase == PhaseHydrating {
		return "", ErrNotStarted
	}
	return st.ThreadID, nil
}

// Sync refreshes the snapshot, mirrors and monthly series from the remote.
// Concurrent calls for the same thread share one fetch.
func (s *SyncService) Sync(ctx context.Context) error {
	threadID, err := s.activeThread()
	if err != nil {
		return err
	}
	if !s.Online() {
		return ErrOffline
	}

	ch := s.flight.DoChan("sync:"+threadID, func() (any, error) {
		return nil, s.syncOnce(context.WithoutCancel(ctx), threadID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SyncService) syncOnce(ctx context.Context, threadID string) error {
	var gen uint64
	s.update(func(st *State) bool {
		s.syncing++
		gen = s.snapshotGen
		st.Phase = PhaseSyncing
		return true
	})
	defer s.update(func(st *State) bool {
		s.syncing--
		if s.syncing == 0 && st.Phase == PhaseSyncing {
			st.Phase = PhaseReady
		}
		return true
	})

	var (
		remoteState                *remote.StateResponse
		series                     *remote.MonthlySeries
		ledger                     []store.Transaction
		stateErr, seriesErr, txErr error
	)
	var g errgroup.Group
	g.Go(func() error {
		remoteState, stateErr = s.remote.FetchState(ctx, threadID)
		return stateErr
	})
	g.Go(func() error {
		series, seriesErr = s.remote.FetchMonthlySeries(ctx, threadID, 0)
		return seriesErr
	})
	g.Go(func() error {
		ledger, txErr = s.fetchLedger(ctx, threadID)
		return txErr
	})
	// Each result is applied on its own; Wait only joins them.
	_ = g.Wait()

	if remoteState != nil && remoteState.ThreadID != "" && remoteState.ThreadID != threadID {
		s.log.Debug().Str("thread_id", remoteState.ThreadID).Msg("State response for another thread")
		remoteState = nil
		stateErr = ErrStaleResponse
	}

	now := s.clock.Now()
	snapshotApplied := false
	applied, err := s.commit(ctx, func(st *State, app *store.AppState) bool {
		if st.ThreadID != threadID {
			return false
		}
		if remoteState != nil {
			st.Accounts = remoteState.Accounts
			if remoteState.UserProfile != nil {
				st.UserProfile = remoteState.UserProfile
			}
			if s.snapshotGen == gen {
				snap := remoteState.Snapshot
				st.Snapshot = &snap
				st.SetupComplete = remoteState.SetupComplete
				app.SetupComplete = remoteState.SetupComplete
				s.snapshotGen++
				snapshotApplied = true
			}
		}
		if series != nil {
			st.MonthlySeries = series.Data
		}
		if stateErr == nil && seriesErr == nil && txErr == nil {
			st.LastSyncAt = &now
			app.LastSyncTimestamp = &now
		}
		return true
	})
	if !applied {
		return ErrStaleResponse
	}
	if remoteState != nil && !snapshotApplied {
		s.log.Debug().Msg("Discarded snapshot older than the current one")
	}
	if remoteState != nil {
		s.mirror(ctx, remoteState)
	}
	if txErr == nil {
		s.mirrorLedger(ctx, ledger)
	}

	if stateErr != nil {
		stateErr = fmt.Errorf("failed to fetch state: %w", stateErr)
	}
	if seriesErr != nil {
		seriesErr = fmt.Errorf("failed to fetch monthly series: %w", seriesErr)
	}
	if txErr != nil {
		txErr = fmt.Errorf("failed to fetch transactions: %w", txErr)
	}
	return errors.Join(stateErr, seriesErr, txErr, err)
}

// ledgerPageSize matches the service's default page.
const ledgerPageSize = 100

// fetchLedger pages through the remote ledger of threadID.
func (s *SyncService) fetchLedger(ctx context.Context, threadID string) ([]store.Transaction, error) {
	var all []store.Transaction
	for offset := 0; ; offset += ledgerPageSize {
		page, err := s.remote.FetchTransactions(ctx, threadID, ledgerPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Transactions...)
		if len(page.Transactions) < ledgerPageSize {
			return all, nil
		}
	}
}

// mirrorLedger stores the remote ledger as synced rows. Rows recorded here
// and already accepted by the service are marked synced as a side effect.
func (s *SyncService) mirrorLedger(ctx context.Context, txs []store.Transaction) {
	for _, tx := range txs {
		tx.Synced = true
		if err := s.store.PutTransaction(ctx, tx); err != nil {
			s.log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to mirror transaction")
		}
	}
	s.noteStorage()
}

// mirror persists the remote accounts and profile locally.
func (s *SyncService) mirror(ctx context.Context, remoteState *remote.StateResponse) {
	for _, acc := range remoteState.Accounts {
		if err := s.store.PutAccount(ctx, acc); err != nil {
			s.log.Warn().Err(err).Str("account", acc.Name).Msg("Failed to mirror account")
		}
	}
	if remoteState.UserProfile != nil {
		if err := s.store.PutUserProfile(ctx, *remoteState.UserProfile); err != nil {
			s.log.Warn().Err(err).Msg("Failed to mirror user profile")
		}
	}
	s.noteStorage()
}

// PushUnsynced sends locally recorded transactions to the remote ledger and
// marks them synced once acknowledged.
func (s *SyncService) PushUnsynced(ctx context.Context) error {
	threadID, err := s.activeThread()
	if err != nil {
		return err
	}
	if !s.Online() {
		return ErrOffline
	}

	ch := s.flight.DoChan("push:"+threadID, func() (any, error) {
		return nil, s.pushOnce(context.WithoutCancel(ctx), threadID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SyncService) pushOnce(ctx context.Context, threadID string) error {
	txs, err := s.store.UnsyncedTransactions(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load unsynced transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil
	}
	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	ack, err := s.remote.PushUnsyncedBatch(ctx, remote.SyncRequest{ThreadID: threadID, Transactions: txs, Accounts: accounts})
	if err != nil {
		return fmt.Errorf("failed to push %d transactions: %w", len(txs), err)
	}
	if !ack.Success {
		return ErrSyncConflict
	}

	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	if err := s.store.MarkSynced(ctx, ids); err != nil {
		return fmt.Errorf("failed to mark transactions synced: %w", err)
	}
	s.noteStorage()
	s.log.Info().Int("count", len(ids)).Msg("Pushed unsynced transactions")

	if !s.applySnapshot(threadID, ack.Snapshot) {
		return ErrStaleResponse
	}
	return nil
}

func (s *SyncService) applySnapshot(threadID string, snap store.Snapshot) bool {
	return s.update(func(st *State) bool {
		if st.ThreadID != threadID {
			return false
		}
		st.Snapshot = &snap
		s.snapshotGen++
		return true
	})
}

// applyTurn records the outcome of a successful chat turn.
func (s *SyncService) applyTurn(ctx context.Context, threadID string, resp *remote.ChatResponse) error {
	applied, err := s.commit(ctx, func(st *State, app *store.AppState) bool {
		if st.ThreadID != threadID {
			return false
		}
		snap := resp.Snapshot
		st.Snapshot = &snap
		s.snapshotGen++
		st.SetupStep = resp.SetupStep
		st.SetupComplete = resp.SetupComplete
		app.SetupStep = resp.SetupStep
		app.SetupComplete = resp.SetupComplete
		return true
	})
	if !applied {
		return ErrStaleResponse
	}
	return err
}

// putMessage persists msg and then publishes it, replacing any message with
// the same ID. Messages for a thread other than the active one are refused.
func (s *SyncService) putMessage(ctx context.Context, msg store.Message) error {
	if s.State().ThreadID != msg.ThreadID {
		return ErrStaleResponse
	}
	// A caller giving up must not leave memory and disk disagreeing.
	if err := s.store.PutMessage(context.WithoutCancel(ctx), msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	s.update(func(st *State) bool {
		if st.ThreadID != msg.ThreadID {
			return false
		}
		s.history = upsertMessage(s.history, msg)
		return true
	})
	return nil
}

func (s *SyncService) lastUserMessage() (store.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastUserMessage(s.history)
}

// supersedeFailures flags the error replies that follow userMsg, so a retry
// of that turn replaces them in the visible list.
func (s *SyncService) supersedeFailures(ctx context.Context, userMsg store.Message) error {
	s.mu.Lock()
	var failed []store.Message
	if i := slices.IndexFunc(s.history, func(m store.Message) bool { return m.ID == userMsg.ID }); i >= 0 {
		for _, m := range s.history[i+1:] {
			if m.Error && !m.Superseded {
				failed = append(failed, m)
			}
		}
	}
	s.mu.Unlock()

	for _, m := range failed {
		m.Superseded = true
		if err := s.putMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) setLoading(loading bool) {
	s.update(func(st *State) bool {
		if st.IsLoading == loading {
			return false
		}
		st.IsLoading = loading
		return true
	})
}

func (s *SyncService) now() time.Time {
	return s.clock.Now()
}

// RecordTransaction stores a locally authored transaction as unsynced and
// schedules a push.
func (s *SyncService) RecordTransaction(ctx context.Context, tx store.Transaction) (store.Transaction, error) {
	threadID, err := s.activeThread()
	if err != nil {
		return store.Transaction{}, err
	}
	if tx.Description == "" || tx.AccountFrom == "" || tx.AccountTo == "" || tx.Category == "" {
		return store.Transaction{}, ErrInvalidLedgerTx
	}

	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	tx.ThreadID = threadID
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.clock.Now()
	} else {
		tx.Timestamp = tx.Timestamp.UTC()
	}
	tx.Synced = false

	if err := s.store.PutTransaction(context.WithoutCancel(ctx), tx); err != nil {
		return store.Transaction{}, fmt.Errorf("failed to persist transaction: %w", err)
	}
	s.noteStorage()
	s.log.Debug().Str("transaction_id", tx.ID).Msg("Recorded local transaction")

	signal(s.pushes)
	return tx, nil
}

// Transactions returns the local ledger of the active thread: rows recorded
// here plus the service's rows mirrored by Sync.
func (s *SyncService) Transactions(ctx context.Context) ([]store.Transaction, error) {
	threadID, err := s.activeThread()
	if err != nil {
		return nil, err
	}
	txs, err := s.store.Transactions(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return txs, nil
}

// ResetThread clears all local data and starts a new thread. Responses still
// in flight for the old thread are discarded when they arrive.
func (s *SyncService) ResetThread(ctx context.Context) (string, error) {
	if _, err := s.activeThread(); err != nil {
		return "", err
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := s.store.Clear(ctx); err != nil {
		return "", fmt.Errorf("failed to clear local store: %w", err)
	}
	app := store.AppState{ThreadID: uuid.NewString()}
	if err := s.store.PutAppState(ctx, app); err != nil {
		return "", fmt.Errorf("failed to persist app state: %w", err)
	}

	s.update(func(st *State) bool {
		s.appState = app
		s.history = nil
		s.snapshotGen++
		phase := PhaseReady
		if s.syncing > 0 {
			phase = PhaseSyncing
		}
		*st = State{ThreadID: app.ThreadID, Phase: phase, Offline: st.Offline}
		return true
	})
	s.log.Info().Str("thread_id", app.ThreadID).Msg("Reset to a new thread")
	return app.ThreadID, nil
}

// ExportLedger streams the remote CSV export of the active thread into w.
func (s *SyncService) ExportLedger(ctx context.Context, w io.Writer) (int64, error) {
	threadID, err := s.activeThread()
	if err != nil {
		return 0, err
	}
	if !s.Online() {
		return 0, ErrOffline
	}
	n, err := s.remote.ExportLedger(ctx, threadID, w)
	if err != nil {
		return n, fmt.Errorf("failed to export ledger: %w", err)
	}
	return n, nil
}
