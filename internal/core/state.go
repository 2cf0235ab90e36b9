package core

import (
	"slices"
	"time"

	"github.com/kiraleos/accountant-client/internal/store"
)

type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseHydrating     Phase = "hydrating"
	PhaseReady         Phase = "ready"
	PhaseSyncing       Phase = "syncing"
)

const degradedWarning = "Local storage is unavailable; changes will not survive a restart."

// State is the value rendered by the presentation layer. A published State is
// never modified: every transition builds a new one, and slices are replaced
// rather than appended to in place.
type State struct {
	ThreadID        string               `json:"thread_id"`
	Phase           Phase                `json:"phase"`
	Offline         bool                 `json:"offline"`
	IsLoading       bool                 `json:"is_loading"`
	Messages        []store.Message      `json:"messages"`
	Snapshot        *store.Snapshot      `json:"snapshot"`
	MonthlySeries   []store.MonthlyPoint `json:"monthly_series"`
	Accounts        []store.Account      `json:"accounts"`
	UserProfile     *store.UserProfile   `json:"user_profile"`
	SetupStep       int                  `json:"setup_step"`
	SetupComplete   bool                 `json:"setup_complete"`
	LastSyncAt      *time.Time           `json:"last_sync_at,omitempty"`
	StorageDegraded bool                 `json:"storage_degraded"`
	Warning         string               `json:"warning,omitempty"`
}

// visibleMessages hides error replies superseded by a retry. The log itself
// keeps every message.
func visibleMessages(history []store.Message) []store.Message {
	visible := make([]store.Message, 0, len(history))
	for _, msg := range history {
		if msg.Error && msg.Superseded {
			continue
		}
		visible = append(visible, msg)
	}
	return visible
}

// upsertMessage returns a new history with msg replacing the entry that has
// the same ID, or appended when there is none.
func upsertMessage(history []store.Message, msg store.Message) []store.Message {
	if i := slices.IndexFunc(history, func(m store.Message) bool { return m.ID == msg.ID }); i >= 0 {
		next := slices.Clone(history)
		next[i] = msg
		return next
	}
	return append(slices.Clip(history), msg)
}

// lastUserMessage returns the most recent user-authored message.
func lastUserMessage(history []store.Message) (store.Message, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			return history[i], true
		}
	}
	return store.Message{}, false
}
