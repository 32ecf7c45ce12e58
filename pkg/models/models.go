package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// TransactionType enumerates the ledger entry types
type TransactionType string

const (
	TransactionTopUp         TransactionType = "TOPUP"
	TransactionPayout        TransactionType = "PAYOUT"
	TransactionStakeCreation TransactionType = "STAKE_CREATION"
	TransactionAdjustment    TransactionType = "ADJUSTMENT"
	TransactionWithdrawal    TransactionType = "WITHDRAWAL"
)

// Credit reports whether entries of this type add funds to the wallet.
// ADJUSTMENT entries carry an explicitly signed amount and are handled
// by the caller.
func (t TransactionType) Credit() bool {
	return t == TransactionTopUp || t == TransactionPayout
}

// StakeState enumerates the stake lifecycle states
type StakeState string

const (
	StakePendingPayment StakeState = "PENDING_PAYMENT"
	StakeActive         StakeState = "ACTIVE"
	StakeCompleted      StakeState = "COMPLETED"
	StakeCancelled      StakeState = "CANCELLED"
)

// Terminal reports whether the state permits no further transitions
func (s StakeState) Terminal() bool {
	return s == StakeCompleted || s == StakeCancelled
}

// User represents a platform account. The ledger engine only reads
// is_active; registration and KYC are owned by other services.
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Phone     *string   `json:"phone,omitempty" db:"phone"`
	KYCStatus string    `json:"kyc_status" db:"kyc_status"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Wallet represents a user's ledger-backed balance
type Wallet struct {
	UserID         string    `json:"user_id" db:"user_id"`
	Balance        int64     `json:"balance" db:"balance"`
	PendingBalance int64     `json:"pending_balance" db:"pending_balance"`
	TotalEarned    int64     `json:"total_earned" db:"total_earned"`
	Frozen         bool      `json:"frozen" db:"frozen"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction represents one append-only ledger entry
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Seq          int64           `json:"seq" db:"seq"`
	Type         TransactionType `json:"type" db:"type"`
	Amount       int64           `json:"amount" db:"amount"`
	BalanceAfter int64           `json:"balance_after" db:"balance_after"`
	Metadata     JSONB           `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Signed returns the amount with the sign implied by the entry type.
// ADJUSTMENT amounts are stored already signed.
func (t Transaction) Signed() int64 {
	if t.Type == TransactionAdjustment {
		return t.Amount
	}
	if t.Type.Credit() {
		return t.Amount
	}
	return -t.Amount
}

// PayoutRule maps a stake amount range to its daily payout and tenor
type PayoutRule struct {
	ID           string    `json:"id" db:"id"`
	MinAmount    int64     `json:"min_amount" db:"min_amount"`
	MaxAmount    int64     `json:"max_amount" db:"max_amount"`
	DailyPayout  int64     `json:"daily_payout" db:"daily_payout"`
	DurationDays int       `json:"duration_days" db:"duration_days"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Contains reports whether amount falls inside the rule's range
func (r PayoutRule) Contains(amount int64) bool {
	return amount >= r.MinAmount && amount <= r.MaxAmount
}

// Stake represents a fixed-principal commitment earning a fixed daily
// payout for a fixed number of days
type Stake struct {
	ID               string     `json:"id" db:"id"`
	UserID           string     `json:"user_id" db:"user_id"`
	Amount           int64      `json:"amount" db:"amount"`
	DailyPayout      int64      `json:"daily_payout" db:"daily_payout"`
	DurationDays     int        `json:"duration_days" db:"duration_days"`
	StartDate        *time.Time `json:"start_date,omitempty" db:"start_date"`
	NextPayoutDate   *time.Time `json:"next_payout_date,omitempty" db:"next_payout_date"`
	PayoutsCompleted int        `json:"payouts_completed" db:"payouts_completed"`
	PayoutsRemaining int        `json:"payouts_remaining" db:"payouts_remaining"`
	State            StakeState `json:"state" db:"state"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// Payment represents an external gateway payment backing a stake
type Payment struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	StakeID        *string   `json:"stake_id,omitempty" db:"stake_id"`
	Gateway        string    `json:"gateway" db:"gateway"`
	GatewayOrderID string    `json:"gateway_order_id" db:"gateway_order_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Status         string    `json:"status" db:"status"`
	Purpose        string    `json:"purpose" db:"purpose"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Payment statuses
const (
	PaymentInit    = "INIT"
	PaymentSuccess = "SUCCESS"
	PaymentFailed  = "FAILED"
)

// Payment purposes
const (
	PaymentPurposeStake      = "stake"
	PaymentPurposeWithdrawal = "withdrawal"
)

// DashboardStats aggregates a user's staking position for the dashboard
type DashboardStats struct {
	TotalStakes     int   `json:"total_stakes"`
	ActiveStakes    int   `json:"active_stakes"`
	CompletedStakes int   `json:"completed_stakes"`
	TotalInvested   int64 `json:"total_invested"`
	TotalEarned     int64 `json:"total_earned"`
	PendingPayouts  int64 `json:"pending_payouts"`
}
