package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiraleos/accountant-client/internal/store"
	"github.com/shopspring/decimal"
)

// ErrNetworkUnavailable wraps transport failures: the service could not be
// reached at all, as opposed to answering with an error status.
var ErrNetworkUnavailable = errors.New("network unavailable")

// RemoteError is a non-2xx answer from the service.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
}

// Attachment is a file sent along with a chat message.
type Attachment struct {
	FileName string
	Data     []byte
}

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

// ChatResponse is returned by both /chat and /chat/upload.
type ChatResponse struct {
	Response      string         `json:"response"`
	Snapshot      store.Snapshot `json:"snapshot"`
	SetupComplete bool           `json:"setup_complete"`
	SetupStep     int            `json:"setup_step"`
}

type remoteAccount struct {
	Type     string          `json:"type"`
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// StateResponse is the server's view of a thread.
type StateResponse struct {
	ThreadID         string             `json:"thread_id"`
	Snapshot         store.Snapshot     `json:"snapshot"`
	UserProfile      *store.UserProfile `json:"user_profile"`
	Accounts         []store.Account    `json:"-"`
	TransactionCount int                `json:"transaction_count"`
	SetupComplete    bool               `json:"setup_complete"`
}

type stateWire struct {
	StateResponse
	Accounts map[string]remoteAccount `json:"accounts"`
}

type MonthlySeries struct {
	Data []store.MonthlyPoint `json:"data"`
	Year int                  `json:"year"`
}

// SyncRequest carries locally recorded ledger data to POST /sync.
type SyncRequest struct {
	ThreadID     string
	Transactions []store.Transaction
	Accounts     []store.Account
}

// SyncAck is the server's acknowledgement of a SyncRequest.
type SyncAck struct {
	Success          bool           `json:"success"`
	Snapshot         store.Snapshot `json:"snapshot"`
	TransactionCount int            `json:"transaction_count"`
}

// wireTimeLayout always carries six fractional digits; older Python
// fromisoformat accepts no other width.
const wireTimeLayout = "2006-01-02T15:04:05.000000"

// TransactionPage is one page of the service's ledger, newest first.
type TransactionPage struct {
	Transactions []store.Transaction
	Count        int
}

type remoteTransaction struct {
	ID          string           `json:"id"`
	Timestamp   string           `json:"timestamp"`
	Description string           `json:"description"`
	Amount      decimal.Decimal  `json:"amount"`
	AccountFrom string           `json:"account_from"`
	AccountTo   string           `json:"account_to"`
	Category    string           `json:"category"`
	Subcategory *string          `json:"subcategory"`
	CostBasis   *decimal.Decimal `json:"cost_basis"`
	AssetType   *string          `json:"asset_type"`
	Quantity    *decimal.Decimal `json:"quantity"`
}

type transactionsWire struct {
	Transactions []remoteTransaction `json:"transactions"`
	Count        int                 `json:"count"`
}

// remoteTimeLayouts covers Python isoformat output with and without an
// offset, and bare dates.
var remoteTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseRemoteTime reads a service timestamp. Values without an offset are UTC.
func parseRemoteTime(value string) (time.Time, error) {
	for _, layout := range remoteTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func (tx remoteTransaction) toStore(threadID string) (store.Transaction, error) {
	ts, err := parseRemoteTime(tx.Timestamp)
	if err != nil {
		return store.Transaction{}, err
	}
	return store.Transaction{
		ID:          tx.ID,
		ThreadID:    threadID,
		Timestamp:   ts,
		Description: tx.Description,
		Amount:      tx.Amount,
		AccountFrom: tx.AccountFrom,
		AccountTo:   tx.AccountTo,
		Category:    tx.Category,
		Subcategory: tx.Subcategory,
		CostBasis:   tx.CostBasis,
		AssetType:   tx.AssetType,
		Quantity:    tx.Quantity,
		Synced:      true,
	}, nil
}

// The service stores amounts as JSON numbers, so outbound ledger rows are
// converted from decimals here and nowhere else.
type wireTransaction struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	Amount      float64  `json:"amount"`
	AccountFrom string   `json:"account_from"`
	AccountTo   string   `json:"account_to"`
	Category    string   `json:"category"`
	Subcategory *string  `json:"subcategory"`
	CostBasis   *float64 `json:"cost_basis"`
	AssetType   *string  `json:"asset_type"`
	Quantity    *float64 `json:"quantity"`
}

type wireAccount struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
}

type syncWire struct {
	ThreadID     string                 `json:"thread_id"`
	Transactions []wireTransaction      `json:"transactions"`
	Accounts     map[string]wireAccount `json:"accounts"`
}

func toWire(req SyncRequest) syncWire {
	w := syncWire{
		ThreadID:     req.ThreadID,
		Transactions: make([]wireTransaction, 0, len(req.Transactions)),
		Accounts:     make(map[string]wireAccount, len(req.Accounts)),
	}
	for _, tx := range req.Transactions {
		w.Transactions = append(w.Transactions, wireTransaction{
			ID:          tx.ID,
			Timestamp:   tx.Timestamp.UTC().Format(wireTimeLayout),
			Description: tx.Description,
			Amount:      tx.Amount.InexactFloat64(),
			AccountFrom: tx.AccountFrom,
			AccountTo:   tx.AccountTo,
			Category:    tx.Category,
			Subcategory: tx.Subcategory,
			CostBasis:   floatPtr(tx.CostBasis),
			AssetType:   tx.AssetType,
			Quantity:    floatPtr(tx.Quantity),
		})
	}
	for _, acc := range req.Accounts {
		w.Accounts[acc.Name] = wireAccount{
			Name:     acc.Name,
			Type:     acc.Type,
			Balance:  acc.Balance.InexactFloat64(),
			Currency: acc.Currency,
		}
	}
	return w
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
