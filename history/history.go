package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"stakeportal/core/types"
)

// ErrPathRequired is returned when the database path is missing.
var ErrPathRequired = errors.New("history database path must be configured")

// Storage persists settled actions in sqlite.
type Storage struct {
	db *sql.DB
}

// Entry is one settled action.
type Entry struct {
	ID        uuid.UUID          `json:"id"`
	Account   common.Address     `json:"account"`
	Kind      types.ActionKind   `json:"kind"`
	Amount    string             `json:"amount,omitempty"`
	Value     *big.Int           `json:"value,omitempty"`
	Status    types.ActionStatus `json:"status"`
	TxHash    string             `json:"txHash,omitempty"`
	ErrorKind string             `json:"errorKind,omitempty"`
	Error     string             `json:"error,omitempty"`
	StartedAt time.Time          `json:"startedAt"`
	SettledAt time.Time          `json:"settledAt"`
}

// Open initialises the database at path (a file path or sqlite DSN such as
// "file::memory:?cache=shared").
func Open(path string) (*Storage, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a settled action. Unsettled actions are rejected.
func (s *Storage) Record(ctx context.Context, action types.PendingAction, account common.Address) error {
	if s == nil {
		return fmt.Errorf("history not configured")
	}
	if !action.Status.Settled() {
		return fmt.Errorf("action %s is not settled", action.ID)
	}
	value := ""
	if action.Value != nil {
		value = action.Value.String()
	}
	settled := action.SettledAt
	if settled.IsZero() {
		settled = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO actions(id, account, kind, amount, value, status, tx_hash, error_kind, error, started_at, settled_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            tx_hash = excluded.tx_hash,
            error_kind = excluded.error_kind,
            error = excluded.error,
            settled_at = excluded.settled_at
    `, action.ID.String(), account.Hex(), string(action.Kind), action.Amount, value, string(action.Status),
		action.TxHash, action.ErrorKind, action.Error, action.StartedAt.UTC().UnixMilli(), settled.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// Recent returns up to limit actions, newest first. A zero account matches
// every account.
func (s *Storage) Recent(ctx context.Context, account common.Address, limit int) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("history not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `
        SELECT id, account, kind, amount, value, status, tx_hash, error_kind, error, started_at, settled_at
        FROM actions`
	args := []any{}
	if account != (common.Address{}) {
		query += ` WHERE account = ?`
		args = append(args, account.Hex())
	}
	query += ` ORDER BY settled_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry                  Entry
			id, acct, kind, status string
			value                  string
			started, settled       int64
		)
		if err := rows.Scan(&id, &acct, &kind, &entry.Amount, &value, &status, &entry.TxHash, &entry.ErrorKind, &entry.Error, &started, &settled); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("action id %q: %w", id, err)
		}
		entry.ID = parsed
		entry.Account = common.HexToAddress(acct)
		entry.Kind = types.ActionKind(kind)
		entry.Status = types.ActionStatus(status)
		if value != "" {
			v, ok := new(big.Int).SetString(value, 10)
			if !ok {
				return nil, fmt.Errorf("action %s: invalid value %q", id, value)
			}
			entry.Value = v
		}
		entry.StartedAt = time.UnixMilli(started).UTC()
		entry.SettledAt = time.UnixMilli(settled).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    account TEXT NOT NULL,
    kind TEXT NOT NULL,
    amount TEXT NOT NULL DEFAULT '',
    value TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    error_kind TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    started_at INTEGER NOT NULL,
    settled_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_account ON actions(account, settled_at);
`
