package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mohib051/grow-stake-daily/internal/gateway"
	"github.com/mohib051/grow-stake-daily/internal/ledger"
	"github.com/mohib051/grow-stake-daily/internal/stakes"
	dailystakeapi "github.com/mohib051/grow-stake-daily/pkg/api/dailystake"
	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/middleware"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

// GatewayWebhookPayload is the envelope the gateway posts for every event
type GatewayWebhookPayload struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity GatewayPaymentEntity `json:"entity"`
		} `json:"payment"`
		Payout struct {
			Entity GatewayPayoutEntity `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

// GatewayPaymentEntity is the payment object inside capture/failure events
type GatewayPaymentEntity struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Status  string `json:"status"`
}

// GatewayPayoutEntity is the payout object inside payout events
type GatewayPayoutEntity struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Amount      int64  `json:"amount"`
	Status      string `json:"status"`
}

// HandleGatewayWebhook processes payment and payout events from the
// gateway. Deliveries are at-least-once, so every branch tolerates
// replays: a payment already in a terminal status is acknowledged
// without reprocessing.
func HandleGatewayWebhook(c middleware.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Failed to read body"})
		return
	}

	secret := ""
	if gw != nil {
		secret = gw.WebhookSecret()
	}
	if secret == "" {
		logger.Error("GATEWAY_WEBHOOK_SECRET not configured; rejecting webhook")
		c.JSON(http.StatusServiceUnavailable, dailystakeapi.ErrorResponse{Error: "Webhook verification not configured"})
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")
	if !gateway.VerifyWebhookSignature(body, signature, secret) {
		logger.WithField("signature", signature).Warn("Invalid gateway webhook signature")
		c.JSON(http.StatusUnauthorized, dailystakeapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var payload GatewayWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		logger.WithError(err).Warn("Invalid gateway webhook payload")
		c.JSON(http.StatusBadRequest, dailystakeapi.ErrorResponse{Error: "Invalid payload"})
		return
	}

	logger.WithField("event", payload.Event).Info("Received gateway webhook")

	switch payload.Event {
	case "payment.captured":
		err = handlePaymentEvent(c, payload.Payload.Payment.Entity.OrderID, true)
	case "payment.failed":
		err = handlePaymentEvent(c, payload.Payload.Payment.Entity.OrderID, false)
	case "payout.processed":
		err = handlePayoutEvent(c, payload.Payload.Payout.Entity, true)
	case "payout.failed", "payout.reversed":
		err = handlePayoutEvent(c, payload.Payload.Payout.Entity, false)
	default:
		logger.WithField("event", payload.Event).Debug("Ignoring unhandled gateway event type")
	}

	if err != nil {
		logger.WithError(err).WithField("event", payload.Event).Error("Failed to process gateway webhook")
		c.JSON(http.StatusInternalServerError, dailystakeapi.ErrorResponse{Error: "Failed to process webhook"})
		return
	}
	c.JSON(http.StatusOK, middleware.H{"status": "ok"})
}

// handlePaymentEvent settles a stake-funding payment. Success activates
// the pending stake; failure cancels it.
func handlePaymentEvent(c middleware.Context, orderID string, captured bool) error {
	if orderID == "" {
		return fmt.Errorf("payment event missing order_id")
	}

	var paymentID, status string
	var stakeID sql.NullString
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT id, status, stake_id FROM payments
		WHERE gateway_order_id = $1 AND purpose = 'stake'
	`, orderID).Scan(&paymentID, &status, &stakeID)
	if err == sql.ErrNoRows {
		logger.WithField("gateway_order_id", orderID).Warn("Webhook for unknown payment order")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup payment: %w", err)
	}
	if status != models.PaymentInit {
		return nil
	}

	// The stake transition runs first and the payment row stays INIT until
	// it lands. A transient failure here returns non-2xx, the gateway
	// redelivers, and the retry reprocesses instead of hitting the replay
	// guard. ConfirmPayment tolerates an already-active stake.
	if stakeID.Valid {
		if captured {
			if err := stakeMgr.ConfirmPayment(c.Request.Context(), stakeID.String); err != nil {
				return fmt.Errorf("confirm payment: %w", err)
			}
		} else {
			if _, err := stakeMgr.CancelStake(c.Request.Context(), stakeID.String, "payment_failed"); err != nil {
				// Already cancelled by the expiry sweep is fine.
				if !errors.Is(err, stakes.ErrInvalidTransition) {
					return fmt.Errorf("cancel unfunded stake: %w", err)
				}
			}
		}
	}

	newStatus := models.PaymentFailed
	if captured {
		newStatus = models.PaymentSuccess
	}
	_, err = db.ExecContext(c.Request.Context(), `
		UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'INIT'
	`, paymentID, newStatus)
	if err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}

	logger.WithFields(logging.Fields{
		"payment_id":       paymentID,
		"gateway_order_id": orderID,
		"status":           newStatus,
	}).Info("Settled stake payment from gateway webhook")
	return nil
}

// handlePayoutEvent settles a withdrawal. Success releases the pending
// hold; failure releases the hold and credits the amount back. The
// payment row is keyed by the reference_id attached when the payout was
// initiated, so it exists before the gateway can ever call back.
func handlePayoutEvent(c middleware.Context, entity GatewayPayoutEntity, processed bool) error {
	if entity.ReferenceID == "" {
		return fmt.Errorf("payout event missing reference_id")
	}

	var paymentID, status, userID string
	var amount int64
	err := db.QueryRowContext(c.Request.Context(), `
		SELECT id, status, user_id, amount FROM payments
		WHERE gateway_order_id = $1 AND purpose = 'withdrawal'
	`, entity.ReferenceID).Scan(&paymentID, &status, &userID, &amount)
	if err == sql.ErrNoRows {
		logger.WithField("reference_id", entity.ReferenceID).Warn("Webhook for unknown payout")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup payout payment: %w", err)
	}
	if status != models.PaymentInit {
		return nil
	}

	// The hold resolves first and the payment row stays INIT until it
	// lands, so a transient ledger failure leaves the delivery retryable.
	// A missing hold means an earlier delivery already released it.
	err = ledgerSvc.ResolveWithdrawal(c.Request.Context(), userID, amount, processed,
		models.JSONB{"gateway_payout_id": entity.ID})
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("resolve withdrawal: %w", err)
	}

	newStatus := models.PaymentFailed
	if processed {
		newStatus = models.PaymentSuccess
	}
	_, err = db.ExecContext(c.Request.Context(), `
		UPDATE payments SET status = $2, updated_at = NOW() WHERE id = $1 AND status = 'INIT'
	`, paymentID, newStatus)
	if err != nil {
		return fmt.Errorf("update payout status: %w", err)
	}

	logger.WithFields(logging.Fields{
		"payment_id":        paymentID,
		"gateway_payout_id": entity.ID,
		"user_id":           userID,
		"status":            newStatus,
	}).Info("Settled withdrawal from gateway webhook")
	return nil
}
