package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciledomain "github.com/pixelforge/pixelforge/internal/reconcile/domain"
)

type reconcileRequest struct {
	Mode string `json:"mode"`
}

// TriggerReconcile runs one reconciliation sweep inline. Detect only reports;
// repair applies fixes within the per-category budget.
func (s *Server) TriggerReconcile(c *gin.Context) {
	var req reconcileRequest
	_ = c.ShouldBindJSON(&req)

	mode := reconciledomain.ModeDetect
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "", string(reconciledomain.ModeDetect):
	case string(reconciledomain.ModeRepair):
		mode = reconciledomain.ModeRepair
	default:
		AbortWithError(c, newValidationError("mode", "invalid", "mode must be detect or repair"))
		return
	}

	run, err := s.reconcileSvc.Run(c.Request.Context(), mode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run": gin.H{
			"id":          run.ID.String(),
			"mode":        run.Mode,
			"status":      run.Status,
			"findings":    run.Findings,
			"repairs":     run.Repairs,
			"started_at":  run.StartedAt,
			"finished_at": run.FinishedAt,
		},
	})
}
