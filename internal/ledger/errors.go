package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit would take the
	// wallet balance below zero.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBusy is returned when the per-user wallet lock could not be
	// acquired within the configured lock timeout. Callers may retry.
	ErrBusy = errors.New("wallet busy, try again")

	// ErrWalletFrozen is returned for wallets locked out after an
	// integrity violation. No mutations are served until reconciled.
	ErrWalletFrozen = errors.New("wallet frozen pending reconciliation")

	// ErrLedgerCorrupt is returned when the stored running balance does
	// not match the last ledger entry. The wallet is frozen as a side
	// effect.
	ErrLedgerCorrupt = errors.New("ledger integrity violation")

	// ErrNotFound is returned when the wallet does not exist and the
	// operation does not create one.
	ErrNotFound = errors.New("wallet not found")
)
