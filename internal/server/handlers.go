package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brickvest/reservd/internal/chain"
	"github.com/brickvest/reservd/internal/checkout"
	"github.com/brickvest/reservd/internal/dispute"
	"github.com/brickvest/reservd/internal/escrow"
	"github.com/brickvest/reservd/internal/logging"
	"github.com/brickvest/reservd/internal/operations"
	"github.com/brickvest/reservd/internal/reconcile"
	"github.com/brickvest/reservd/internal/validation"
)

// -----------------------------------------------------------------------------
// Reservations
// -----------------------------------------------------------------------------

// createReservation handles POST /v1/reservations
func (s *Server) createReservation(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		UserID         string `json:"userId" binding:"required"`
		OrganizationID string `json:"organizationId"`
		AmountWei      string `json:"amountWei"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// The reservation fee is fixed platform-side; an explicit amount is
	// accepted only as the same integer-wei format.
	amount := req.AmountWei
	if amount == "" {
		amount = s.cfg.ReservationFeeWei
	}
	if verrs := validation.Validate(
		validation.ValidWeiAmount("amountWei", amount),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": verrs})
		return
	}

	now := time.Now()
	op := &operations.Operation{
		ID:             generateOperationID(),
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		Status:         operations.StatusInitiated,
		TotalAmountWei: amount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ops.Create(ctx, op); err != nil {
		logging.L(ctx).Error("failed to create reservation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create reservation",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"reservation": op})
}

// getReservation handles GET /v1/reservations/:id
func (s *Server) getReservation(c *gin.Context) {
	op, err := s.ops.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": op})
}

// -----------------------------------------------------------------------------
// Checkout attempts
// -----------------------------------------------------------------------------

// startAttempt handles POST /v1/reservations/:id/attempts
func (s *Server) startAttempt(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	attempt, err := s.checkout.StartAttempt(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"attempt": attempt})
}

// getAttempt handles GET /v1/attempts/:attemptId
func (s *Server) getAttempt(c *gin.Context) {
	attempt, err := s.checkout.GetAttempt(c.Param("attemptId"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": attempt})
}

// selectMethod handles POST /v1/attempts/:attemptId/method
func (s *Server) selectMethod(c *gin.Context) {
	var req struct {
		Method           string `json:"method" binding:"required"`
		NonRefundableAck bool   `json:"nonRefundableAck"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	attempt, err := s.checkout.SelectMethod(
		c.Request.Context(),
		c.Param("attemptId"),
		operations.PaymentMethod(req.Method),
		req.NonRefundableAck,
	)
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempt": attempt})
}

// createTraditionalPayment handles POST /v1/attempts/:attemptId/payment
func (s *Server) createTraditionalPayment(c *gin.Context) {
	var req struct {
		AmountCents int64  `json:"amountCents" binding:"required"`
		Currency    string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Currency == "" {
		req.Currency = "eur"
	}

	ref, clientSecret, err := s.checkout.CreateTraditionalPayment(
		c.Request.Context(), c.Param("attemptId"), req.AmountCents, req.Currency)
	if err != nil {
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"paymentReference": ref,
		"clientSecret":     clientSecret,
	})
}

// cancelAttempt handles DELETE /v1/attempts/:attemptId
func (s *Server) cancelAttempt(c *gin.Context) {
	if err := s.checkout.CancelAttempt(c.Request.Context(), c.Param("attemptId")); err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// -----------------------------------------------------------------------------
// Escrow lifecycle
// -----------------------------------------------------------------------------

// createEscrow handles POST /v1/reservations/:id/escrow
func (s *Server) createEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	operationID := c.Param("id")

	var req struct {
		AttemptID string `json:"attemptId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	op, err := s.ops.Get(ctx, operationID)
	if err != nil {
		s.handleError(c, err)
		return
	}

	metaURI, err := s.disputes.MetaEvidenceURI(ctx, op.ID, op.TotalAmountWei)
	if err != nil {
		logging.L(ctx).Error("failed to store meta-evidence", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to prepare escrow meta-evidence",
		})
		return
	}

	rec, err := s.checkout.CreateEscrow(ctx, req.AttemptID, metaURI)
	if errors.Is(err, escrow.ErrAmountMismatch) {
		// Funds are on-chain but do not match the agreed fee. Flag the
		// operation through reconciliation and surface the fault.
		if _, rerr := s.reconciler.Reconcile(ctx, operationID); rerr != nil {
			logging.L(ctx).Error("failed to flag mismatched escrow", "error", rerr)
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":   "amount_mismatch",
			"message": "On-chain escrow amount does not match the agreed reservation fee; flagged for review",
			"escrow":  rec,
		})
		return
	}
	if err != nil {
		s.handleError(c, err)
		return
	}

	// Funding confirmed; advance the operation immediately rather than
	// waiting for the next sweep.
	result, err := s.reconciler.Reconcile(ctx, operationID)
	if err != nil {
		logging.L(ctx).Error("post-create reconcile failed", "error", err)
	}

	resp := gin.H{"escrow": rec}
	if result != nil {
		resp["status"] = result.Status
	}
	c.JSON(http.StatusCreated, resp)
}

// getEscrow handles GET /v1/reservations/:id/escrow
func (s *Server) getEscrow(c *gin.Context) {
	rec, err := s.escrows.GetByOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// reconcileReservation handles POST /v1/reservations/:id/reconcile
func (s *Server) reconcileReservation(c *gin.Context) {
	result, err := s.reconciler.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"state":   result.State,
		"status":  result.Status,
	})
}

// reimburseEscrow handles POST /v1/reservations/:id/escrow/reimburse
func (s *Server) reimburseEscrow(c *gin.Context) {
	result, err := s.reconciler.Reimburse(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"state":   result.State,
		"status":  result.Status,
	})
}

// executeEscrow handles POST /v1/reservations/:id/escrow/execute
func (s *Server) executeEscrow(c *gin.Context) {
	result, err := s.reconciler.Execute(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"state":   result.State,
		"status":  result.Status,
	})
}

// -----------------------------------------------------------------------------
// Arbitration
// -----------------------------------------------------------------------------

// submitEvidence handles POST /v1/reservations/:id/escrow/evidence
func (s *Server) submitEvidence(c *gin.Context) {
	var req struct {
		Name        string `json:"name" binding:"required"`
		Description string `json:"description"`
		FileURI     string `json:"fileURI"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	uri, err := s.disputes.SubmitEvidence(c.Request.Context(), c.Param("id"), dispute.Evidence{
		Name:        req.Name,
		Description: req.Description,
		FileURI:     req.FileURI,
	})
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidenceURI": uri})
}

// raiseDispute handles POST /v1/reservations/:id/escrow/dispute
func (s *Server) raiseDispute(c *gin.Context) {
	result, err := s.disputes.RaiseDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"state":   result.State,
		"status":  result.Status,
	})
}

// applyRuling handles POST /v1/reservations/:id/escrow/ruling
func (s *Server) applyRuling(c *gin.Context) {
	result, err := s.disputes.ApplyRuling(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": result.Outcome,
		"state":   result.State,
		"status":  result.Status,
	})
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

// handleError maps domain errors onto HTTP responses. Unknown errors are
// logged and reported as 500 without leaking details.
func (s *Server) handleError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	switch {
	case errors.Is(err, operations.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, checkout.ErrAttemptNotFound),
		errors.Is(err, reconcile.ErrNoEscrow),
		errors.Is(err, chain.ErrTxNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})

	case errors.Is(err, checkout.ErrAttemptExpired):
		c.JSON(http.StatusGone, gin.H{
			"error":   "attempt_expired",
			"message": "Checkout attempt has expired; start a new one",
		})

	case errors.Is(err, operations.ErrInvalidMethod),
		errors.Is(err, checkout.ErrMethodNotSelected),
		errors.Is(err, checkout.ErrWrongMethod),
		errors.Is(err, checkout.ErrConsentRequired),
		errors.Is(err, chain.ErrInvalidAmount),
		errors.Is(err, chain.ErrUserRejected):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})

	case errors.Is(err, checkout.ErrEscrowConfirmed),
		errors.Is(err, checkout.ErrEscrowExists),
		errors.Is(err, checkout.ErrOperationClosed),
		errors.Is(err, operations.ErrMethodLocked),
		errors.Is(err, operations.ErrStaleStatus),
		errors.Is(err, escrow.ErrAlreadyTerminal),
		errors.Is(err, escrow.ErrDisputePending),
		errors.Is(err, escrow.ErrTimeoutNotElapsed),
		errors.Is(err, dispute.ErrAlreadyDisputed),
		errors.Is(err, dispute.ErrEscrowSettled),
		errors.Is(err, dispute.ErrNoDispute),
		errors.Is(err, dispute.ErrNoRuling):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrNotReady),
		errors.Is(err, chain.ErrWrongNetwork),
		errors.Is(err, chain.ErrNetworkUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "chain_unavailable",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrTransactionReverted):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "transaction_reverted",
			"message": err.Error(),
		})

	case errors.Is(err, chain.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":   "chain_timeout",
			"message": err.Error(),
		})

	default:
		logging.L(ctx).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}

func generateOperationID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("res_%x", b)
}
