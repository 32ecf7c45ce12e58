// Package stakes owns the stake lifecycle state machine:
// PENDING_PAYMENT -> ACTIVE -> {COMPLETED, CANCELLED}. ACTIVE is the only
// state payouts are applied from, and terminal states are kept for history.
package stakes

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mohib051/grow-stake-daily/internal/ledger"
	"github.com/mohib051/grow-stake-daily/internal/rules"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

// Funding methods accepted by CreateStake
const (
	FundingWallet  = "wallet"
	FundingGateway = "gateway"
)

// RefundPolicy selects what an ACTIVE stake's cancellation returns to the
// wallet. The policy is deployment configuration, not engine logic.
type RefundPolicy string

const (
	// RefundNone forfeits the remaining principal on cancellation.
	RefundNone RefundPolicy = "none"
	// RefundRemainingPrincipal returns the principal minus payouts
	// already received, floored at zero.
	RefundRemainingPrincipal RefundPolicy = "remaining_principal"
)

// Config holds stake lifecycle policy parameters
type Config struct {
	MinStakeAmount    int64
	RefundPolicy      RefundPolicy
	PendingPaymentTTL time.Duration
	GatewayName       string
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MinStakeAmount:    500,
		RefundPolicy:      RefundRemainingPrincipal,
		PendingPaymentTTL: 15 * time.Minute,
		GatewayName:       "RAZORPAY",
	}
}

// GatewayClient creates orders with the external payment collaborator
type GatewayClient interface {
	CreateOrder(ctx context.Context, amount int64, receipt string) (string, error)
}

// Manager drives stakes through their lifecycle
type Manager struct {
	db       *sql.DB
	logger   logging.Logger
	ledger   *ledger.Ledger
	resolver *rules.Resolver
	gateway  GatewayClient
	cfg      Config
	now      func() time.Time
}

// NewManager creates a stake lifecycle manager. gateway may be nil, in
// which case gateway-funded creation fails with ErrGatewayUnavailable.
func NewManager(db *sql.DB, logger logging.Logger, led *ledger.Ledger, resolver *rules.Resolver, gateway GatewayClient, cfg Config) *Manager {
	return &Manager{
		db:       db,
		logger:   logger,
		ledger:   led,
		resolver: resolver,
		gateway:  gateway,
		cfg:      cfg,
		now:      time.Now,
	}
}

// dateOnly truncates t to a UTC calendar date
func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// CreateStake validates the amount, resolves the payout tier, and creates
// the stake. Wallet funding debits the wallet and activates the stake in
// one atomic unit; gateway funding leaves the stake PENDING_PAYMENT until
// the gateway webhook confirms.
func (m *Manager) CreateStake(ctx context.Context, userID string, amount int64, fundingMethod string) (*models.Stake, *models.Payment, error) {
	if amount < m.cfg.MinStakeAmount {
		return nil, nil, fmt.Errorf("amount %d below minimum %d: %w", amount, m.cfg.MinStakeAmount, ErrInvalidAmount)
	}

	rule, err := m.resolver.Resolve(amount)
	if err != nil {
		return nil, nil, err
	}

	stake := &models.Stake{
		ID:               uuid.New().String(),
		UserID:           userID,
		Amount:           amount,
		DailyPayout:      rule.DailyPayout,
		DurationDays:     rule.DurationDays,
		PayoutsCompleted: 0,
		PayoutsRemaining: rule.DurationDays,
	}

	switch fundingMethod {
	case FundingWallet:
		if err := m.createWalletFunded(ctx, stake); err != nil {
			return nil, nil, err
		}
		return stake, nil, nil

	case FundingGateway:
		payment, err := m.createGatewayFunded(ctx, stake)
		if err != nil {
			return nil, nil, err
		}
		return stake, payment, nil

	default:
		return nil, nil, fmt.Errorf("unsupported funding method %q", fundingMethod)
	}
}

func (m *Manager) createWalletFunded(ctx context.Context, stake *models.Stake) error {
	start := dateOnly(m.now())
	next := start.AddDate(0, 0, 1)

	err := m.ledger.WithUserTx(ctx, stake.UserID, func(tx *sql.Tx) error {
		// The balance check and the debit are one atomic unit under the
		// wallet row lock, so concurrent creations cannot both pass.
		_, err := m.ledger.ApplyEntry(ctx, tx, stake.UserID, models.TransactionStakeCreation, stake.Amount,
			models.JSONB{"stake_id": stake.ID})
		if err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, `
			INSERT INTO stakes (id, user_id, amount, daily_payout, duration_days,
			                    start_date, next_payout_date, payouts_completed, payouts_remaining, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $5, 'ACTIVE')
			RETURNING created_at, updated_at
		`, stake.ID, stake.UserID, stake.Amount, stake.DailyPayout, stake.DurationDays,
			start, next).Scan(&stake.CreatedAt, &stake.UpdatedAt)
	})
	if err != nil {
		return err
	}

	stake.State = models.StakeActive
	stake.StartDate = &start
	stake.NextPayoutDate = &next

	m.logger.WithFields(logging.Fields{
		"stake_id":     stake.ID,
		"user_id":      stake.UserID,
		"amount":       stake.Amount,
		"daily_payout": stake.DailyPayout,
	}).Info("Stake created from wallet balance")
	return nil
}

func (m *Manager) createGatewayFunded(ctx context.Context, stake *models.Stake) (*models.Payment, error) {
	if m.gateway == nil {
		return nil, ErrGatewayUnavailable
	}

	orderID, err := m.gateway.CreateOrder(ctx, stake.Amount, stake.ID)
	if err != nil {
		return nil, fmt.Errorf("create gateway order: %w", err)
	}

	payment := &models.Payment{
		ID:             uuid.New().String(),
		UserID:         stake.UserID,
		StakeID:        &stake.ID,
		Gateway:        m.cfg.GatewayName,
		GatewayOrderID: orderID,
		Amount:         stake.Amount,
		Status:         models.PaymentInit,
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO stakes (id, user_id, amount, daily_payout, duration_days,
		                    payouts_completed, payouts_remaining, state)
		VALUES ($1, $2, $3, $4, $5, 0, $5, 'PENDING_PAYMENT')
		RETURNING created_at, updated_at
	`, stake.ID, stake.UserID, stake.Amount, stake.DailyPayout, stake.DurationDays).
		Scan(&stake.CreatedAt, &stake.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert stake: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, user_id, stake_id, gateway, gateway_order_id, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'INIT')
	`, payment.ID, payment.UserID, stake.ID, payment.Gateway, payment.GatewayOrderID, payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	stake.State = models.StakePendingPayment

	m.logger.WithFields(logging.Fields{
		"stake_id":         stake.ID,
		"user_id":          stake.UserID,
		"amount":           stake.Amount,
		"gateway_order_id": payment.GatewayOrderID,
	}).Info("Stake pending gateway payment")
	return payment, nil
}

// ConfirmPayment activates a PENDING_PAYMENT stake once the gateway
// reports success. Confirming an already ACTIVE stake is a no-op so
// webhook retries are safe.
func (m *Manager) ConfirmPayment(ctx context.Context, stakeID string) error {
	userID, err := m.stakeOwner(ctx, stakeID)
	if err != nil {
		return err
	}

	start := dateOnly(m.now())
	next := start.AddDate(0, 0, 1)

	return m.ledger.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var state models.StakeState
		err := tx.QueryRowContext(ctx, `
			SELECT state FROM stakes WHERE id = $1 FOR UPDATE
		`, stakeID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock stake: %w", err)
		}

		switch state {
		case models.StakeActive:
			return nil
		case models.StakePendingPayment:
		default:
			return fmt.Errorf("cannot confirm payment for %s stake: %w", state, ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE stakes
			SET state = 'ACTIVE', start_date = $2, next_payout_date = $3, updated_at = NOW()
			WHERE id = $1
		`, stakeID, start, next)
		if err != nil {
			return fmt.Errorf("activate stake: %w", err)
		}

		m.logger.WithFields(logging.Fields{
			"stake_id": stakeID,
			"user_id":  userID,
		}).Info("Stake activated after payment confirmation")
		return nil
	})
}

// CancelStake cancels a PENDING_PAYMENT or ACTIVE stake. Cancellation is
// irreversible and stops all future payouts; any refund dictated by the
// configured policy is recorded as an ADJUSTMENT entry in the same atomic
// unit. Returns the refund amount credited.
func (m *Manager) CancelStake(ctx context.Context, stakeID, reason string) (int64, error) {
	userID, err := m.stakeOwner(ctx, stakeID)
	if err != nil {
		return 0, err
	}

	var refund int64
	err = m.ledger.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var amount, dailyPayout int64
		var completed int
		var state models.StakeState
		err := tx.QueryRowContext(ctx, `
			SELECT amount, daily_payout, payouts_completed, state
			FROM stakes WHERE id = $1 FOR UPDATE
		`, stakeID).Scan(&amount, &dailyPayout, &completed, &state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock stake: %w", err)
		}

		switch state {
		case models.StakePendingPayment:
			// Never funded; nothing to refund. Invalidate the pending
			// gateway order so a late success webhook cannot activate it.
			if _, err := tx.ExecContext(ctx, `
				UPDATE payments SET status = 'FAILED', updated_at = NOW()
				WHERE stake_id = $1 AND status = 'INIT'
			`, stakeID); err != nil {
				return fmt.Errorf("fail pending payment: %w", err)
			}

		case models.StakeActive:
			if m.cfg.RefundPolicy == RefundRemainingPrincipal {
				refund = amount - int64(completed)*dailyPayout
				if refund < 0 {
					refund = 0
				}
			}
			if refund > 0 {
				_, err := m.ledger.ApplyEntry(ctx, tx, userID, models.TransactionAdjustment, refund,
					models.JSONB{"stake_id": stakeID, "reason": reason, "refund_policy": string(m.cfg.RefundPolicy)})
				if err != nil {
					return err
				}
			}

		default:
			return fmt.Errorf("cannot cancel %s stake: %w", state, ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE stakes SET state = 'CANCELLED', updated_at = NOW() WHERE id = $1
		`, stakeID)
		if err != nil {
			return fmt.Errorf("cancel stake: %w", err)
		}

		m.logger.WithFields(logging.Fields{
			"stake_id": stakeID,
			"user_id":  userID,
			"reason":   reason,
			"refund":   refund,
		}).Info("Stake cancelled")
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refund, nil
}

// ApplyPayout applies the payout due on or before forDate to an ACTIVE
// stake: one wallet credit, one counter increment, one day's advance of
// next_payout_date, all in one atomic unit. The (stake_id, payout_date)
// record makes re-invocation for the same due date a no-op, which is what
// lets the scheduler run at-least-once. Returns whether a payout was
// applied.
func (m *Manager) ApplyPayout(ctx context.Context, stakeID string, forDate time.Time) (bool, error) {
	userID, err := m.stakeOwner(ctx, stakeID)
	if err != nil {
		return false, err
	}
	forDate = dateOnly(forDate)

	applied := false
	err = m.ledger.WithUserTx(ctx, userID, func(tx *sql.Tx) error {
		var dailyPayout int64
		var completed, remaining int
		var nextPayout sql.NullTime
		var state models.StakeState
		err := tx.QueryRowContext(ctx, `
			SELECT daily_payout, payouts_completed, payouts_remaining, next_payout_date, state
			FROM stakes WHERE id = $1 FOR UPDATE
		`, stakeID).Scan(&dailyPayout, &completed, &remaining, &nextPayout, &state)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock stake: %w", err)
		}

		if state != models.StakeActive || remaining <= 0 {
			return nil
		}
		if !nextPayout.Valid || dateOnly(nextPayout.Time).After(forDate) {
			return nil
		}
		dueDate := dateOnly(nextPayout.Time)

		// Durable dedupe check before mutating anything.
		var exists bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM stake_payouts WHERE stake_id = $1 AND payout_date = $2)
		`, stakeID, dueDate).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check payout record: %w", err)
		}
		if exists {
			return nil
		}

		entry, err := m.ledger.ApplyEntry(ctx, tx, userID, models.TransactionPayout, dailyPayout,
			models.JSONB{"stake_id": stakeID, "payout_date": dueDate.Format("2006-01-02")})
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO stake_payouts (stake_id, payout_date, transaction_id)
			VALUES ($1, $2, $3)
		`, stakeID, dueDate, entry.ID)
		if err != nil {
			return fmt.Errorf("record payout: %w", err)
		}

		completed++
		remaining--
		newState := models.StakeActive
		if remaining == 0 {
			newState = models.StakeCompleted
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE stakes
			SET payouts_completed = $2, payouts_remaining = $3, next_payout_date = $4,
			    state = $5, updated_at = NOW()
			WHERE id = $1
		`, stakeID, completed, remaining, dueDate.AddDate(0, 0, 1), newState)
		if err != nil {
			return fmt.Errorf("advance stake: %w", err)
		}

		applied = true
		if newState == models.StakeCompleted {
			m.logger.WithFields(logging.Fields{
				"stake_id": stakeID,
				"user_id":  userID,
			}).Info("Stake completed")
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ExpirePendingPayments cancels PENDING_PAYMENT stakes whose gateway
// payment did not confirm within the configured TTL. Returns how many
// stakes were cancelled.
func (m *Manager) ExpirePendingPayments(ctx context.Context) (int64, error) {
	cutoff := m.now().Add(-m.cfg.PendingPaymentTTL)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET status = 'FAILED', updated_at = NOW()
		WHERE status = 'INIT' AND stake_id IN (
			SELECT id FROM stakes WHERE state = 'PENDING_PAYMENT' AND created_at < $1
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fail expired payments: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE stakes SET state = 'CANCELLED', updated_at = NOW()
		WHERE state = 'PENDING_PAYMENT' AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire pending stakes: %w", err)
	}
	expired, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	if expired > 0 {
		m.logger.WithField("expired", expired).Info("Cancelled unconfirmed pending stakes")
	}
	return expired, nil
}

// GetStake returns a stake by ID
func (m *Manager) GetStake(ctx context.Context, stakeID string) (*models.Stake, error) {
	var s models.Stake
	var start, next sql.NullTime
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount, daily_payout, duration_days, start_date, next_payout_date,
		       payouts_completed, payouts_remaining, state, created_at, updated_at
		FROM stakes WHERE id = $1
	`, stakeID).Scan(&s.ID, &s.UserID, &s.Amount, &s.DailyPayout, &s.DurationDays,
		&start, &next, &s.PayoutsCompleted, &s.PayoutsRemaining, &s.State, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stake: %w", err)
	}
	if start.Valid {
		s.StartDate = &start.Time
	}
	if next.Valid {
		s.NextPayoutDate = &next.Time
	}
	return &s, nil
}

// ListStakes returns the user's stakes, optionally filtered by state,
// newest first
func (m *Manager) ListStakes(ctx context.Context, userID string, stateFilter models.StakeState) ([]models.Stake, error) {
	query := `
		SELECT id, user_id, amount, daily_payout, duration_days, start_date, next_payout_date,
		       payouts_completed, payouts_remaining, state, created_at, updated_at
		FROM stakes WHERE user_id = $1`
	args := []interface{}{userID}
	if stateFilter != "" {
		query += ` AND state = $2`
		args = append(args, stateFilter)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stakes: %w", err)
	}
	defer rows.Close()

	var stakes []models.Stake
	for rows.Next() {
		var s models.Stake
		var start, next sql.NullTime
		if err := rows.Scan(&s.ID, &s.UserID, &s.Amount, &s.DailyPayout, &s.DurationDays,
			&start, &next, &s.PayoutsCompleted, &s.PayoutsRemaining, &s.State, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stake: %w", err)
		}
		if start.Valid {
			s.StartDate = &start.Time
		}
		if next.Valid {
			s.NextPayoutDate = &next.Time
		}
		stakes = append(stakes, s)
	}
	return stakes, rows.Err()
}

// DashboardStats aggregates the user's staking position
func (m *Manager) DashboardStats(ctx context.Context, userID string) (*models.DashboardStats, error) {
	var stats models.DashboardStats
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE state = 'ACTIVE'),
		       COUNT(*) FILTER (WHERE state = 'COMPLETED'),
		       COALESCE(SUM(amount) FILTER (WHERE state IN ('ACTIVE', 'COMPLETED')), 0),
		       COALESCE(SUM(daily_payout) FILTER (WHERE state = 'ACTIVE'), 0)
		FROM stakes WHERE user_id = $1
	`, userID).Scan(&stats.TotalStakes, &stats.ActiveStakes, &stats.CompletedStakes,
		&stats.TotalInvested, &stats.PendingPayouts)
	if err != nil {
		return nil, fmt.Errorf("dashboard stats: %w", err)
	}

	err = m.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT total_earned FROM wallets WHERE user_id = $1), 0)
	`, userID).Scan(&stats.TotalEarned)
	if err != nil {
		return nil, fmt.Errorf("dashboard earned: %w", err)
	}
	return &stats, nil
}

// stakeOwner resolves the stake's owning user, which scopes the per-user
// transaction every mutation runs under
func (m *Manager) stakeOwner(ctx context.Context, stakeID string) (string, error) {
	var userID string
	err := m.db.QueryRowContext(ctx, `SELECT user_id FROM stakes WHERE id = $1`, stakeID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve stake owner: %w", err)
	}
	return userID, nil
}
