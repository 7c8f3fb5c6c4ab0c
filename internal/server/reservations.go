package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	"gorm.io/datatypes"
)

type createReservationRequest struct {
	IdentityID string            `json:"identity_id"`
	Action     string            `json:"action"`
	JobRef     string            `json:"job_ref"`
	Meta       datatypes.JSONMap `json:"meta"`
}

type reservationResponse struct {
	ID          string `json:"id"`
	IdentityID  string `json:"identity_id"`
	ActionCode  string `json:"action_code"`
	Cost        int64  `json:"cost"`
	CreditClass string `json:"credit_class"`
	Status      string `json:"status"`
	JobRef      string `json:"job_ref"`
	ExpiresAt   string `json:"expires_at"`
}

func toReservationResponse(r *reservationdomain.Reservation) reservationResponse {
	return reservationResponse{
		ID:          r.ID.String(),
		IdentityID:  r.IdentityID,
		ActionCode:  r.ActionCode,
		Cost:        r.Cost,
		CreditClass: string(r.CreditClass),
		Status:      string(r.Status),
		JobRef:      r.JobRef,
		ExpiresAt:   r.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

// CreateReservation places a hold for an in-flight job. Replaying the same
// (identity, job_ref, action) returns the existing hold.
func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	if req.IdentityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		AbortWithError(c, newValidationError("action", "required", "action is required"))
		return
	}
	if strings.TrimSpace(req.JobRef) == "" {
		AbortWithError(c, newValidationError("job_ref", "required", "job ref is required"))
		return
	}

	if !s.allowSpend(c, req.IdentityID) {
		return
	}

	result, err := s.reservationSvc.Reserve(c.Request.Context(), req.IdentityID, req.Action, req.JobRef, req.Meta)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"reservation": toReservationResponse(result.Reservation),
		"balance":     result.Balance,
		"reserved":    result.Reserved,
		"available":   result.Available,
		"replayed":    result.Replayed,
	})
}

// FinalizeReservation converts the hold into a ledger debit. Replays on a
// finalized hold succeed with the matching flag; a released hold is reported,
// never re-debited.
func (s *Server) FinalizeReservation(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reservationSvc.Finalize(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation":       toReservationResponse(result.Reservation),
		"already_finalized": result.WasAlreadyFinalized,
		"already_released":  result.WasAlreadyReleased,
		"new_balance":       result.NewBalance,
	})
}

type releaseReservationRequest struct {
	Reason string `json:"reason"`
}

// ReleaseReservation drops the hold without touching the ledger.
func (s *Server) ReleaseReservation(c *gin.Context) {
	id, err := parseSnowflakeParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req releaseReservationRequest
	_ = c.ShouldBindJSON(&req)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "user_request"
	}

	result, err := s.reservationSvc.Release(c.Request.Context(), id, reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservation":       toReservationResponse(result.Reservation),
		"already_released":  result.WasAlreadyReleased,
		"already_finalized": result.WasAlreadyFinalized,
	})
}

type createChargeRequest struct {
	IdentityID string            `json:"identity_id"`
	Action     string            `json:"action"`
	JobID      string            `json:"job_id"`
	UpstreamID string            `json:"upstream_id"`
	Meta       datatypes.JSONMap `json:"meta"`
}

// CreateCharge debits credits directly for synchronous actions, idempotent
// per (identity, action, job).
func (s *Server) CreateCharge(c *gin.Context) {
	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	if req.IdentityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}
	if strings.TrimSpace(req.Action) == "" {
		AbortWithError(c, newValidationError("action", "required", "action is required"))
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		AbortWithError(c, newValidationError("job_id", "required", "job id is required"))
		return
	}

	if !s.allowSpend(c, req.IdentityID) {
		return
	}

	result, err := s.reservationSvc.Charge(c.Request.Context(), req.IdentityID, req.Action, req.JobID, req.UpstreamID, req.Meta)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"charged":     result.Charged,
		"new_balance": result.NewBalance,
		"idempotent":  result.Idempotent,
	})
}

func parseSnowflakeParam(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, newValidationError(name, "required", name+" is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError(name, "invalid", "invalid "+name)
	}
	return id, nil
}
