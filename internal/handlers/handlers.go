package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mohib051/grow-stake-daily/internal/gateway"
	"github.com/mohib051/grow-stake-daily/internal/ledger"
	"github.com/mohib051/grow-stake-daily/internal/rules"
	"github.com/mohib051/grow-stake-daily/internal/scheduler"
	"github.com/mohib051/grow-stake-daily/internal/stakes"
	dailystakeapi "github.com/mohib051/grow-stake-daily/pkg/api/dailystake"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/middleware"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

var (
	db        *sql.DB
	logger    logging.Logger
	ledgerSvc *ledger.Ledger
	stakeMgr  *stakes.Manager
	resolver  *rules.Resolver
	jobs      *scheduler.JobManager
	gw        *gateway.Client
)

// Init initializes the handlers with their collaborators
func Init(database *sql.DB, log logging.Logger, led *ledger.Ledger, mgr *stakes.Manager, res *rules.Resolver, jm *scheduler.JobManager, gwClient *gateway.Client) {
	db = database
	logger = log
	ledgerSvc = led
	stakeMgr = mgr
	resolver = res
	jobs = jm
	gw = gwClient
}

// respondError maps domain errors onto HTTP statuses
func respondError(c middleware.Context, err error, fallback string) {
	switch {
	case errors.Is(err, stakes.ErrInvalidAmount):
		c.JSON(http.StatusUnprocessableEntity, dailystakeapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, rules.ErrNoMatchingRule):
		c.JSON(http.StatusUnprocessableEntity, dailystakeapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, dailystakeapi.ErrorResponse{Error: "Insufficient wallet balance"})
	case errors.Is(err, ledger.ErrWalletFrozen):
		c.JSON(http.StatusConflict, dailystakeapi.ErrorResponse{Error: "Wallet is frozen pending review"})
	case errors.Is(err, ledger.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, dailystakeapi.ErrorResponse{Error: "Account busy, please retry"})
	case errors.Is(err, stakes.ErrInvalidTransition):
		c.JSON(http.StatusConflict, dailystakeapi.ErrorResponse{Error: err.Error()})
	case errors.Is(err, stakes.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, dailystakeapi.ErrorResponse{Error: "Not found"})
	case errors.Is(err, stakes.ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, dailystakeapi.ErrorResponse{Error: "Payment gateway unavailable"})
	default:
		logger.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, dailystakeapi.ErrorResponse{Error: fallback})
	}
}

// Staking API Endpoints

// CreateStake opens a new stake funded from the wallet or via the gateway
func CreateStake(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req dailystakeapi.CreateStakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.FundingMethod == "" {
		req.FundingMethod = stakes.FundingWallet
	}
	if req.FundingMethod != stakes.FundingWallet && req.FundingMethod != stakes.FundingGateway {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "funding_method must be wallet or gateway"})
		return
	}

	stake, payment, err := stakeMgr.CreateStake(c.Request.Context(), userID, req.Amount, req.FundingMethod)
	if err != nil {
		respondError(c, err, "Failed to create stake")
		return
	}

	resp := dailystakeapi.CreateStakeResponse{
		StakeID:     stake.ID,
		State:       stake.State,
		DailyPayout: stake.DailyPayout,
	}
	if payment != nil {
		resp.Payment = &dailystakeapi.PaymentRef{
			PaymentID:      payment.ID,
			Gateway:        payment.Gateway,
			GatewayOrderID: payment.GatewayOrderID,
			Amount:         payment.Amount,
		}
	}
	c.JSON(http.StatusCreated, resp)
}

// CancelStake cancels a pending or active stake owned by the caller
func CancelStake(c middleware.Context) {
	userID := c.GetString("user_id")
	stakeID := c.Param("stake_id")
	if stakeID == "" {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Stake ID required"})
		return
	}

	stake, err := stakeMgr.GetStake(c.Request.Context(), stakeID)
	if err != nil {
		respondError(c, err, "Failed to load stake")
		return
	}
	if stake.UserID != userID {
		c.JSON(http.StatusNotFound, dailystakeapi.ErrorResponse{Error: "Not found"})
		return
	}

	refund, err := stakeMgr.CancelStake(c.Request.Context(), stakeID, "user_requested")
	if err != nil {
		respondError(c, err, "Failed to cancel stake")
		return
	}

	c.JSON(http.StatusOK, dailystakeapi.CancelStakeResponse{
		StakeID:      stakeID,
		State:        models.StakeCancelled,
		RefundAmount: refund,
	})
}

// GetStake returns one of the caller's stakes
func GetStake(c middleware.Context) {
	userID := c.GetString("user_id")
	stakeID := c.Param("stake_id")

	stake, err := stakeMgr.GetStake(c.Request.Context(), stakeID)
	if err != nil {
		respondError(c, err, "Failed to load stake")
		return
	}
	if stake.UserID != userID {
		c.JSON(http.StatusNotFound, dailystakeapi.ErrorResponse{Error: "Not found"})
		return
	}
	c.JSON(http.StatusOK, stake)
}

// ListStakes returns the caller's stakes, optionally filtered by state
func ListStakes(c middleware.Context) {
	userID := c.GetString("user_id")
	stateFilter := models.StakeState(c.Query("state"))

	list, err := stakeMgr.ListStakes(c.Request.Context(), userID, stateFilter)
	if err != nil {
		respondError(c, err, "Failed to list stakes")
		return
	}
	c.JSON(http.StatusOK, dailystakeapi.StakesResponse{Stakes: list})
}

// GetWallet returns the caller's wallet balances
func GetWallet(c middleware.Context) {
	userID := c.GetString("user_id")

	wallet, err := ledgerSvc.GetWallet(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "Failed to load wallet")
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// TopUp credits the caller's wallet
func TopUp(c middleware.Context) {
	userID := c.GetString("user_id")

	var req dailystakeapi.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Amount must be positive"})
		return
	}

	entry, err := ledgerSvc.TopUp(c.Request.Context(), userID, req.Amount, models.JSONB{"source": "api"})
	if err != nil {
		respondError(c, err, "Failed to top up wallet")
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Withdraw debits the caller's wallet and initiates an outbound gateway
// payout. The debited amount is held in pending_balance until the gateway
// confirms or fails the transfer.
func Withdraw(c middleware.Context) {
	userID := c.GetString("user_id")

	var req dailystakeapi.WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Amount must be positive"})
		return
	}
	if gw == nil {
		c.JSON(http.StatusBadGateway, dailystakeapi.ErrorResponse{Error: "Payment gateway unavailable"})
		return
	}

	reference := uuid.New().String()
	entry, err := ledgerSvc.Withdraw(c.Request.Context(), userID, req.Amount, models.JSONB{"reference": reference})
	if err != nil {
		respondError(c, err, "Failed to withdraw")
		return
	}

	// The payment row is recorded before the payout is initiated, keyed by
	// our reference, so the settlement webhook always finds it.
	paymentID := uuid.New().String()
	_, err = db.ExecContext(c.Request.Context(), `
		INSERT INTO payments (id, user_id, gateway, gateway_order_id, amount, status, purpose)
		VALUES ($1, $2, $3, $4, $5, 'INIT', 'withdrawal')
	`, paymentID, userID, "RAZORPAY", reference, req.Amount)
	if err != nil {
		if resolveErr := ledgerSvc.ResolveWithdrawal(c.Request.Context(), userID, req.Amount, false,
			models.JSONB{"reference": reference, "reason": "record_failed"}); resolveErr != nil {
			logger.WithError(resolveErr).WithField("user_id", userID).Error("Failed to release withdrawal hold")
		}
		respondError(c, err, "Failed to record withdrawal")
		return
	}

	if _, err := gw.CreatePayout(c.Request.Context(), req.Amount, reference); err != nil {
		// The hold stays on pending_balance; return the funds right away
		// rather than waiting for a failure webhook that will never come.
		if _, markErr := db.ExecContext(c.Request.Context(), `
			UPDATE payments SET status = 'FAILED', updated_at = NOW() WHERE id = $1 AND status = 'INIT'
		`, paymentID); markErr != nil {
			logger.WithError(markErr).WithField("payment_id", paymentID).Error("Failed to mark withdrawal payment failed")
		}
		if resolveErr := ledgerSvc.ResolveWithdrawal(c.Request.Context(), userID, req.Amount, false,
			models.JSONB{"reference": reference, "reason": "gateway_request_failed"}); resolveErr != nil {
			logger.WithError(resolveErr).WithField("user_id", userID).Error("Failed to release withdrawal hold")
		}
		respondError(c, stakes.ErrGatewayUnavailable, "Failed to initiate payout")
		return
	}

	c.JSON(http.StatusOK, entry)
}

// ListTransactions returns the caller's ledger entries, newest first
func ListTransactions(c middleware.Context) {
	userID := c.GetString("user_id")

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	list, total, err := ledgerSvc.ListTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		respondError(c, err, "Failed to list transactions")
		return
	}
	c.JSON(http.StatusOK, dailystakeapi.TransactionsResponse{
		Transactions: list,
		Limit:        limit,
		Offset:       offset,
		Total:        total,
	})
}

// GetDashboardStats aggregates the caller's staking position
func GetDashboardStats(c middleware.Context) {
	userID := c.GetString("user_id")

	stats, err := stakeMgr.DashboardStats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err, "Failed to load dashboard stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetRules returns the active payout tiers
func GetRules(c middleware.Context) {
	c.JSON(http.StatusOK, dailystakeapi.RulesResponse{Rules: resolver.Rules()})
}

// Admin Endpoints

// TriggerSchedulerRun runs a payout sweep immediately and reports the
// per-run summary. Service authentication is enforced by the router.
func TriggerSchedulerRun(c middleware.Context) {
	summary, err := jobs.RunDailyPayouts(c.Request.Context())
	if err != nil {
		respondError(c, err, "Payout sweep failed")
		return
	}
	c.JSON(http.StatusOK, dailystakeapi.SchedulerRunResponse{
		StakesProcessed: summary.StakesProcessed,
		PayoutsApplied:  summary.PayoutsApplied,
		Failures:        summary.Failures,
	})
}

// VerifyLedger replays a user's transaction log and checks the running
// balance end to end. A detected mismatch freezes the wallet.
func VerifyLedger(c middleware.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "User ID required"})
		return
	}

	if err := ledgerSvc.VerifyUserLedger(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ledger.ErrLedgerCorrupt) {
			c.JSON(http.StatusConflict, dailystakeapi.ErrorResponse{Error: "Ledger integrity violation, wallet frozen"})
			return
		}
		respondError(c, err, "Ledger verification failed")
		return
	}
	c.JSON(http.StatusOK, middleware.H{"user_id": userID, "status": "consistent"})
}

// ReloadRules refreshes the in-memory payout tier cache from the database
func ReloadRules(c middleware.Context) {
	if err := resolver.Reload(c.Request.Context()); err != nil {
		respondError(c, err, "Failed to reload payout rules")
		return
	}
	c.JSON(http.StatusOK, dailystakeapi.RulesResponse{Rules: resolver.Rules()})
}
