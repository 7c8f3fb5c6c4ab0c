package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetWallet returns cached balances with reserved re-summed from live holds.
// Unknown identities read as empty wallets, not 404s.
func (s *Server) GetWallet(c *gin.Context) {
	identityID := strings.TrimSpace(c.Param("identityId"))
	if identityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	view, err := s.walletSvc.Get(c.Request.Context(), identityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// RecomputeWallet rebuilds the cached balances from the ledger.
func (s *Server) RecomputeWallet(c *gin.Context) {
	identityID := strings.TrimSpace(c.Param("identityId"))
	if identityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	repairs, err := s.walletSvc.Recompute(c.Request.Context(), identityID, "admin")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{
		"identity_id": identityID,
		"repaired":    len(repairs) > 0,
	}
	if len(repairs) > 0 {
		details := make([]gin.H, 0, len(repairs))
		for _, repair := range repairs {
			details = append(details, gin.H{
				"credit_class": repair.CreditClass,
				"old_balance":  repair.OldBalance,
				"new_balance":  repair.NewBalance,
				"drift":        repair.Drift,
			})
		}
		resp["repairs"] = details
	}
	c.JSON(http.StatusOK, resp)
}
