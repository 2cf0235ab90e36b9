package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers the way the browser store did.
	db.SetMaxOpenConns(1)

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	_, err = provider.Up(ctx)
	return err
}

// Message methods
func (s *SQLiteStore) PutMessage(ctx context.Context, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO messages (id, thread_id, role, content, timestamp, pending, error, superseded, attached_file_name)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            thread_id = excluded.thread_id,
            role = excluded.role,
            content = excluded.content,
            timestamp = excluded.timestamp,
            pending = excluded.pending,
            error = excluded.error,
            superseded = excluded.superseded,
            attached_file_name = excluded.attached_file_name`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, formatTime(msg.Timestamp),
		msg.Pending, msg.Error, msg.Superseded, nullString(msg.AttachedFileName))
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Messages(ctx context.Context, threadID string) ([]Message, error) {
	return s.queryMessages(ctx, "WHERE thread_id = ?", threadID)
}

func (s *SQLiteStore) PendingMessages(ctx context.Context, threadID string) ([]Message, error) {
	return s.queryMessages(ctx, "WHERE thread_id = ? AND pending = TRUE AND role = 'user'", threadID)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, where string, args ...any) ([]Message, error) {
	query := "SELECT id, thread_id, role, content, timestamp, pending, error, superseded, attached_file_name FROM messages " +
		where + " ORDER BY timestamp ASC, rowid ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			msg      Message
			role     string
			ts       string
			attached sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &role, &msg.Content, &ts, &msg.Pending, &msg.Error, &msg.Superseded, &attached); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.Role = Role(role)
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp on message %s: %w", msg.ID, err)
		}
		if attached.Valid {
			msg.AttachedFileName = &attached.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Transaction methods
func (s *SQLiteStore) PutTransaction(ctx context.Context, tx Transaction) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO transactions (id, thread_id, timestamp, description, amount, account_from, account_to,
            category, subcategory, cost_basis, asset_type, quantity, synced)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            thread_id = excluded.thread_id,
            timestamp = excluded.timestamp,
            description = excluded.description,
            amount = excluded.amount,
            account_from = excluded.account_from,
            account_to = excluded.account_to,
            category = excluded.category,
            subcategory = excluded.subcategory,
            cost_basis = excluded.cost_basis,
            asset_type = excluded.asset_type,
            quantity = excluded.quantity,
            synced = MAX(transactions.synced, excluded.synced)`,
		tx.ID, tx.ThreadID, formatTime(tx.Timestamp), tx.Description, tx.Amount.String(),
		tx.AccountFrom, tx.AccountTo, tx.Category, nullString(tx.Subcategory),
		nullDecimal(tx.CostBasis), nullString(tx.AssetType), nullDecimal(tx.Quantity), tx.Synced)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Transactions(ctx context.Context, threadID string) ([]Transaction, error) {
	return s.queryTransactions(ctx, "WHERE thread_id = ?", threadID)
}

func (s *SQLiteStore) UnsyncedTransactions(ctx context.Context, threadID string) ([]Transaction, error) {
	return s.queryTransactions(ctx, "WHERE thread_id = ? AND synced = FALSE", threadID)
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, where string, args ...any) ([]Transaction, error) {
	query := `SELECT id, thread_id, timestamp, description, amount, account_from, account_to,
            category, subcategory, cost_basis, asset_type, quantity, synced
        FROM transactions ` + where + " ORDER BY timestamp ASC, rowid ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	transactions := []Transaction{}
	for rows.Next() {
		var (
			tx                  Transaction
			ts                  string
			subcategory, asset  sql.NullString
			costBasis, quantity decimal.NullDecimal
		)
		if err := rows.Scan(&tx.ID, &tx.ThreadID, &ts, &tx.Description, &tx.Amount, &tx.AccountFrom, &tx.AccountTo,
			&tx.Category, &subcategory, &costBasis, &asset, &quantity, &tx.Synced); err != nil {
			return nil, fmt.Errorf("failed to scan transaction row: %w", err)
		}
		if tx.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp on transaction %s: %w", tx.ID, err)
		}
		if subcategory.Valid {
			tx.Subcategory = &subcategory.String
		}
		if asset.Valid {
			tx.AssetType = &asset.String
		}
		if costBasis.Valid {
			tx.CostBasis = &costBasis.Decimal
		}
		if quantity.Valid {
			tx.Quantity = &quantity.Decimal
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, "UPDATE transactions SET synced = TRUE WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to mark transactions synced: %w", err)
	}
	return nil
}

// Account methods
func (s *SQLiteStore) PutAccount(ctx context.Context, acc Account) error {
	currency := acc.Currency
	if currency == "" {
		currency = "USD"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts (name, type, balance, currency) VALUES (?, ?, ?, ?)
        ON CONFLICT (name) DO UPDATE SET
            type = excluded.type,
            balance = excluded.balance,
            currency = excluded.currency`,
		acc.Name, acc.Type, acc.Balance.String(), currency)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Accounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type, balance, currency FROM accounts ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var acc Account
		if err := rows.Scan(&acc.Name, &acc.Type, &acc.Balance, &acc.Currency); err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// User profile methods
func (s *SQLiteStore) PutUserProfile(ctx context.Context, profile UserProfile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal user profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO user_profile (id, profile_json) VALUES (1, ?)
        ON CONFLICT (id) DO UPDATE SET profile_json = excluded.profile_json`, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UserProfile(ctx context.Context) (*UserProfile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT profile_json FROM user_profile WHERE id = 1").Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not stored yet
		}
		return nil, fmt.Errorf("failed to query user profile: %w", err)
	}
	var profile UserProfile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user profile: %w", err)
	}
	return &profile, nil
}

// App state methods
func (s *SQLiteStore) PutAppState(ctx context.Context, state AppState) error {
	var lastSync sql.NullString
	if state.LastSyncTimestamp != nil {
		lastSync = sql.NullString{String: formatTime(*state.LastSyncTimestamp), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO app_state (key, thread_id, setup_step, setup_complete, last_sync_timestamp, encryption_key)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT (key) DO UPDATE SET
            thread_id = excluded.thread_id,
            setup_step = excluded.setup_step,
            setup_complete = excluded.setup_complete,
            last_sync_timestamp = excluded.last_sync_timestamp,
            encryption_key = excluded.encryption_key`,
		AppStateKey, state.ThreadID, state.SetupStep, state.SetupComplete, lastSync, nullString(state.EncryptionKey))
	if err != nil {
		return fmt.Errorf("failed to upsert app state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppState(ctx context.Context) (*AppState, error) {
	var (
		state         AppState
		lastSync, key sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT thread_id, setup_step, setup_complete, last_sync_timestamp, encryption_key FROM app_state WHERE key = ?",
		AppStateKey).Scan(&state.ThreadID, &state.SetupStep, &state.SetupComplete, &lastSync, &key)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // First launch
		}
		return nil, fmt.Errorf("failed to query app state: %w", err)
	}
	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return nil, fmt.Errorf("invalid last sync timestamp: %w", err)
		}
		state.LastSyncTimestamp = &t
	}
	if key.Valid {
		state.EncryptionKey = &key.String
	}
	return &state, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"messages", "transactions", "accounts", "user_profile", "app_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

var _ LocalStore = (*SQLiteStore)(nil)
