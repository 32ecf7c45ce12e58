package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

func TestTopUp_AppendsEntryAndMovesBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(1000, false))
	mock.ExpectQuery(`SELECT seq, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(4, 1000))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(sqlmock.AnyArg(), userID, int64(5), "TOPUP", int64(500), int64(1500), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(userID, int64(1500), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := ledger.TopUp(context.Background(), userID, 500, models.JSONB{"source": "test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Seq != 5 {
		t.Fatalf("expected seq 5, got %d", entry.Seq)
	}
	if entry.BalanceAfter != 1500 {
		t.Fatalf("expected balance_after 1500, got %d", entry.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(100, false))
	mock.ExpectQuery(`SELECT seq, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(2, 100))
	mock.ExpectRollback()

	_, err = ledger.Withdraw(context.Background(), userID, 500, nil)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyEntry_FrozenWalletRefusesMutation(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(1000, true))
	mock.ExpectRollback()

	_, err = ledger.TopUp(context.Background(), userID, 500, nil)
	if !errors.Is(err, ErrWalletFrozen) {
		t.Fatalf("expected ErrWalletFrozen, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyEntry_CorruptHeadFreezesWallet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(1000, false))
	// The last entry says 900 but the wallet says 1000.
	mock.ExpectQuery(`SELECT seq, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(7, 900))
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE wallets SET frozen = TRUE`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err = ledger.TopUp(context.Background(), userID, 500, nil)
	if !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("expected ErrLedgerCorrupt, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithdraw_HoldsPendingBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(2000, false))
	mock.ExpectQuery(`SELECT seq, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(9, 2000))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(sqlmock.AnyArg(), userID, int64(10), "WITHDRAWAL", int64(700), int64(1300), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(userID, int64(1300), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE wallets SET pending_balance = pending_balance \+`).
		WithArgs(userID, int64(700)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := ledger.Withdraw(context.Background(), userID, 700, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.BalanceAfter != 1300 {
		t.Fatalf("expected balance_after 1300, got %d", entry.BalanceAfter)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveWithdrawal_FailureCreditsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE wallets SET pending_balance = pending_balance -`).
		WithArgs(userID, int64(700)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO wallets`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT balance, frozen FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance", "frozen"}).AddRow(1300, false))
	mock.ExpectQuery(`SELECT seq, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "balance_after"}).AddRow(10, 1300))
	mock.ExpectQuery(`INSERT INTO transactions`).
		WithArgs(sqlmock.AnyArg(), userID, int64(11), "ADJUSTMENT", int64(700), int64(2000), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`UPDATE wallets`).
		WithArgs(userID, int64(2000), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = ledger.ResolveWithdrawal(context.Background(), userID, 700, false, models.JSONB{"reason": "payout_failed"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestResolveWithdrawal_NoHoldIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE wallets SET pending_balance = pending_balance -`).
		WithArgs(userID, int64(700)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = ledger.ResolveWithdrawal(context.Background(), userID, 700, true, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyUserLedger_BrokenChainFreezes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(600))
	mock.ExpectQuery(`SELECT seq, type, amount, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "type", "amount", "balance_after"}).
			AddRow(1, "TOPUP", 1000, 1000).
			AddRow(2, "STAKE_CREATION", 500, 600))
	mock.ExpectRollback()
	mock.ExpectExec(`UPDATE wallets SET frozen = TRUE`).
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ledger.VerifyUserLedger(context.Background(), userID)
	if !errors.Is(err, ErrLedgerCorrupt) {
		t.Fatalf("expected ErrLedgerCorrupt, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyUserLedger_IntactChainPasses(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance FROM wallets`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(15600))
	mock.ExpectQuery(`SELECT seq, type, amount, balance_after FROM transactions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "type", "amount", "balance_after"}).
			AddRow(1, "TOPUP", 25000, 25000).
			AddRow(2, "STAKE_CREATION", 10000, 15000).
			AddRow(3, "PAYOUT", 600, 15600))
	mock.ExpectCommit()

	if err := ledger.VerifyUserLedger(context.Background(), userID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVerifyUserLedger_ContendedWalletReturnsBusy(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	ledger := New(db, logging.NewLogger())
	userID := "user-123"

	// A mutation holding the wallet lock must surface as ErrBusy, never
	// as a corruption verdict.
	mock.ExpectBegin()
	mock.ExpectExec(`SET LOCAL lock_timeout`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT balance FROM wallets`).
		WithArgs(userID).
		WillReturnError(&pq.Error{Code: "55P03"})
	mock.ExpectRollback()

	err = ledger.VerifyUserLedger(context.Background(), userID)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
