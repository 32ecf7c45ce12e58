// Package ledger maintains the per-user append-only transaction log and
// the running wallet balance it must always agree with.
//
// Every mutation runs inside a single database transaction that first
// locks the user's wallet row FOR UPDATE, so all writes for one user are
// linearized while different users proceed in parallel. A lock_timeout is
// set on each transaction so contention surfaces as ErrBusy instead of a
// stalled request.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

// pgLockNotAvailable is the class 55 code raised when lock_timeout expires.
const pgLockNotAvailable = "55P03"

// DefaultLockTimeout bounds how long a mutation waits on the wallet lock.
const DefaultLockTimeout = 3 * time.Second

// Ledger provides wallet balance and transaction log operations
type Ledger struct {
	db          *sql.DB
	logger      logging.Logger
	lockTimeout time.Duration
}

// New creates a ledger over the given database
func New(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{
		db:          db,
		logger:      logger,
		lockTimeout: DefaultLockTimeout,
	}
}

// NewWithLockTimeout creates a ledger with a custom wallet lock timeout
func NewWithLockTimeout(db *sql.DB, logger logging.Logger, lockTimeout time.Duration) *Ledger {
	l := New(db, logger)
	l.lockTimeout = lockTimeout
	return l
}

// WithUserTx runs fn inside one database transaction scoped to a single
// user's wallet. Lock waits beyond the configured timeout are mapped to
// ErrBusy. If fn reports a ledger integrity violation the wallet is frozen
// outside the rolled-back transaction so the lockout survives.
func (l *Ledger) WithUserTx(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", err)
	}

	if err := fn(tx); err != nil {
		if errors.Is(err, ErrLedgerCorrupt) {
			// Release the wallet row lock first; the freeze runs on the
			// pool connection and must not wait on our own transaction.
			tx.Rollback()
			l.freezeWallet(ctx, userID)
		}
		if isLockTimeout(err) {
			return ErrBusy
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isLockTimeout(err) {
			return ErrBusy
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ApplyEntry appends one ledger entry and moves the wallet balance inside
// the caller's transaction. For ADJUSTMENT entries amount carries its own
// sign; for every other type amount must be positive and the sign is
// implied by the type. The wallet row is created on first touch.
func (l *Ledger) ApplyEntry(ctx context.Context, tx *sql.Tx, userID string, entryType models.TransactionType, amount int64, metadata models.JSONB) (*models.Transaction, error) {
	if entryType != models.TransactionAdjustment && amount <= 0 {
		return nil, fmt.Errorf("amount must be positive for %s entries", entryType)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	var frozen bool
	err := tx.QueryRowContext(ctx, `
		SELECT balance, frozen FROM wallets WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance, &frozen)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	if frozen {
		return nil, ErrWalletFrozen
	}

	// The last entry's balance_after must agree with the wallet row before
	// anything new is written against it.
	var lastSeq int64
	var lastBalanceAfter int64
	err = tx.QueryRowContext(ctx, `
		SELECT seq, balance_after FROM transactions
		WHERE user_id = $1 ORDER BY seq DESC LIMIT 1
	`, userID).Scan(&lastSeq, &lastBalanceAfter)
	if err == sql.ErrNoRows {
		lastSeq, lastBalanceAfter = 0, 0
	} else if err != nil {
		return nil, fmt.Errorf("read ledger head: %w", err)
	}
	if lastBalanceAfter != balance {
		l.logger.WithFields(logging.Fields{
			"user_id":            userID,
			"wallet_balance":     balance,
			"last_balance_after": lastBalanceAfter,
		}).Error("Ledger head disagrees with wallet balance")
		return nil, ErrLedgerCorrupt
	}

	entry := models.Transaction{
		ID:       uuid.New().String(),
		UserID:   userID,
		Seq:      lastSeq + 1,
		Type:     entryType,
		Amount:   amount,
		Metadata: metadata,
	}

	// Credits can never trip this; only debits and negative adjustments can.
	newBalance := balance + entry.Signed()
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}
	entry.BalanceAfter = newBalance

	err = tx.QueryRowContext(ctx, `
		INSERT INTO transactions (id, user_id, seq, type, amount, balance_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.Seq, entry.Type, entry.Amount, entry.BalanceAfter, entry.Metadata).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	var earnedDelta int64
	if entryType == models.TransactionPayout {
		earnedDelta = amount
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $2, total_earned = total_earned + $3, updated_at = NOW()
		WHERE user_id = $1
	`, userID, newBalance, earnedDelta); err != nil {
		return nil, fmt.Errorf("update wallet balance: %w", err)
	}

	return &entry, nil
}

// TopUp credits the user's wallet
func (l *Ledger) TopUp(ctx context.Context, userID string, amount int64, metadata models.JSONB) (*models.Transaction, error) {
	var entry *models.Transaction
	err := l.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var err error
		entry, err = l.ApplyEntry(ctx, tx, userID, models.TransactionTopUp, amount, metadata)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Withdraw debits the user's wallet and parks the amount in
// pending_balance until the external payout confirms or fails.
func (l *Ledger) Withdraw(ctx context.Context, userID string, amount int64, metadata models.JSONB) (*models.Transaction, error) {
	var entry *models.Transaction
	err := l.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var err error
		entry, err = l.ApplyEntry(ctx, tx, userID, models.TransactionWithdrawal, amount, metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET pending_balance = pending_balance + $2, updated_at = NOW()
			WHERE user_id = $1
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("hold pending balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ResolveWithdrawal releases the pending hold once the external payout
// reports a terminal status. A failed payout credits the amount back with
// an ADJUSTMENT entry.
func (l *Ledger) ResolveWithdrawal(ctx context.Context, userID string, amount int64, succeeded bool, metadata models.JSONB) error {
	return l.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE wallets SET pending_balance = pending_balance - $2, updated_at = NOW()
			WHERE user_id = $1 AND pending_balance >= $2
		`, userID, amount)
		if err != nil {
			return fmt.Errorf("release pending balance: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("no pending hold of %d for user %s: %w", amount, userID, ErrNotFound)
		}
		if succeeded {
			return nil
		}
		_, err = l.ApplyEntry(ctx, tx, userID, models.TransactionAdjustment, amount, metadata)
		return err
	})
}

// GetWallet returns the user's wallet, if it exists
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	var w models.Wallet
	err := l.db.QueryRowContext(ctx, `
		SELECT user_id, balance, pending_balance, total_earned, frozen, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.UserID, &w.Balance, &w.PendingBalance, &w.TotalEarned, &w.Frozen, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// ListTransactions returns a most-recent-first page of the user's ledger
func (l *Ledger) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.Transaction, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE user_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, user_id, seq, type, amount, balance_after, metadata, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Seq, &t.Type, &t.Amount, &t.BalanceAfter, &t.Metadata, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, total, rows.Err()
}

// VerifyUserLedger replays the user's transaction log in commit order and
// checks the running-balance property end to end. The wallet row is held
// FOR UPDATE for the whole scan so no mutation can commit between the log
// replay and the balance comparison; only a mismatch seen under that lock
// freezes the wallet and returns ErrLedgerCorrupt.
func (l *Ledger) VerifyUserLedger(ctx context.Context, userID string) error {
	return l.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var balance int64
		walletErr := tx.QueryRowContext(ctx, `
			SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE
		`, userID).Scan(&balance)
		if walletErr != nil && walletErr != sql.ErrNoRows {
			return fmt.Errorf("lock wallet: %w", walletErr)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT seq, type, amount, balance_after FROM transactions
			WHERE user_id = $1 ORDER BY seq ASC
		`, userID)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		defer rows.Close()

		var running int64
		var last int64
		var count int
		for rows.Next() {
			var t models.Transaction
			if err := rows.Scan(&t.Seq, &t.Type, &t.Amount, &t.BalanceAfter); err != nil {
				return fmt.Errorf("scan entry: %w", err)
			}
			running += t.Signed()
			if t.BalanceAfter != running {
				l.logger.WithFields(logging.Fields{
					"user_id":       userID,
					"seq":           t.Seq,
					"expected":      running,
					"balance_after": t.BalanceAfter,
				}).Error("Ledger entry breaks running balance")
				return ErrLedgerCorrupt
			}
			last = t.BalanceAfter
			count++
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if walletErr == sql.ErrNoRows {
			if count == 0 {
				return nil
			}
			return ErrNotFound
		}
		if balance != last {
			l.logger.WithFields(logging.Fields{
				"user_id":        userID,
				"wallet_balance": balance,
				"ledger_balance": last,
			}).Error("Wallet balance disagrees with ledger")
			return ErrLedgerCorrupt
		}
		return nil
	})
}

// freezeWallet marks the wallet so further mutations are refused. Runs on
// the pool connection so it survives the caller's rollback.
func (l *Ledger) freezeWallet(ctx context.Context, userID string) {
	if _, err := l.db.ExecContext(ctx, `
		UPDATE wallets SET frozen = TRUE, updated_at = NOW() WHERE user_id = $1
	`, userID); err != nil {
		l.logger.WithError(err).WithField("user_id", userID).Error("Failed to freeze wallet")
		return
	}
	l.logger.WithField("user_id", userID).Error("Wallet frozen after ledger integrity violation")
}

// isLockTimeout reports whether err is a postgres lock_timeout expiry
func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgLockNotAvailable
	}
	return false
}
