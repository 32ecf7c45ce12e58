// Package dailystake defines the request and response types of the
// DailyStake ledger API.
package dailystake

import "github.com/mohib051/grow-stake-daily/pkg/models"

// ErrorResponse is the generic error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateStakeRequest asks the engine to open a new stake
type CreateStakeRequest struct {
	Amount        int64  `json:"amount"`
	FundingMethod string `json:"funding_method"` // "wallet" or "gateway"
}

// PaymentRef points the client at an in-flight gateway payment
type PaymentRef struct {
	PaymentID      string `json:"payment_id"`
	Gateway        string `json:"gateway"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
}

// CreateStakeResponse reports the created stake and, for gateway funding,
// the payment the client must complete
type CreateStakeResponse struct {
	StakeID     string            `json:"stake_id"`
	State       models.StakeState `json:"state"`
	DailyPayout int64             `json:"daily_payout"`
	Payment     *PaymentRef       `json:"payment,omitempty"`
}

// CancelStakeResponse reports the stake's state after cancellation
type CancelStakeResponse struct {
	StakeID      string            `json:"stake_id"`
	State        models.StakeState `json:"state"`
	RefundAmount int64             `json:"refund_amount"`
}

// TopUpRequest credits the caller's wallet
type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

// WithdrawRequest debits the caller's wallet
type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

// TransactionsResponse is a most-recent-first page of ledger entries
type TransactionsResponse struct {
	Transactions []models.Transaction `json:"transactions"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
	Total        int                  `json:"total"`
}

// StakesResponse lists the caller's stakes
type StakesResponse struct {
	Stakes []models.Stake `json:"stakes"`
}

// RulesResponse lists the active payout tiers
type RulesResponse struct {
	Rules []models.PayoutRule `json:"rules"`
}

// SchedulerRunResponse is the per-run summary of a payout sweep
type SchedulerRunResponse struct {
	StakesProcessed int `json:"stakes_processed"`
	PayoutsApplied  int `json:"payouts_applied"`
	Failures        int `json:"failures"`
}
