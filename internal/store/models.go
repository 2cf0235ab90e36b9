package store

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	ID               string    `json:"id"` // Using UUID for external ID
	ThreadID         string    `json:"thread_id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
	Pending          bool      `json:"pending"` // deferred while offline
	Error            bool      `json:"error"`
	Superseded       bool      `json:"superseded"` // error replaced by a retry
	AttachedFileName *string   `json:"attached_file_name,omitempty"`
}

// Transaction is one ledger entry. Amount is signed: inflows are positive,
// outflows negative.
type Transaction struct {
	ID          string           `json:"id"`
	ThreadID    string           `json:"thread_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Description string           `json:"description"`
	Amount      decimal.Decimal  `json:"amount"`
	AccountFrom string           `json:"account_from"`
	AccountTo   string           `json:"account_to"`
	Category    string           `json:"category"`
	Subcategory *string          `json:"subcategory,omitempty"`
	CostBasis   *decimal.Decimal `json:"cost_basis,omitempty"`
	AssetType   *string          `json:"asset_type,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	Synced      bool             `json:"synced"`
}

type Account struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"` // asset, liability, income, expense, equity
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

type UserProfile struct {
	TaxResidency         string          `json:"tax_residency"`
	FilingStatus         string          `json:"filing_status"`
	Dependents           int             `json:"dependents"`
	IncomeSources        []string        `json:"income_sources"`
	AnnualIncomeEstimate decimal.Decimal `json:"annual_income_estimate"`
	RetirementAccounts   []string        `json:"retirement_accounts"`
	InvestmentAccounts   []string        `json:"investment_accounts"`
	PrimaryBank          string          `json:"primary_bank"`
	SetupComplete        bool            `json:"setup_complete"`
}

// Snapshot is computed by the remote service. It is always replaced as a
// whole and never modified after construction.
type Snapshot struct {
	TotalCash             decimal.Decimal `json:"total_cash"`
	TotalInvestments      decimal.Decimal `json:"total_investments"`
	TotalLiabilities      decimal.Decimal `json:"total_liabilities"`
	NetWorth              decimal.Decimal `json:"net_worth"`
	YTDIncome             decimal.Decimal `json:"ytd_income"`
	YTDExpenses           decimal.Decimal `json:"ytd_expenses"`
	EstimatedTaxLiability decimal.Decimal `json:"estimated_tax_liability"`
	MonthlyBurnRate       decimal.Decimal `json:"monthly_burn_rate"`
}

type MonthlyPoint struct {
	Month    string          `json:"month"`
	Income   decimal.Decimal `json:"income"`
	Expenses decimal.Decimal `json:"expenses"`
}

// AppState is the per-device singleton stored under AppStateKey.
type AppState struct {
	ThreadID          string     `json:"thread_id"`
	SetupStep         int        `json:"setup_step"`
	SetupComplete     bool       `json:"setup_complete"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp,omitempty"`
	EncryptionKey     *string    `json:"-"`
}

const AppStateKey = "main"
