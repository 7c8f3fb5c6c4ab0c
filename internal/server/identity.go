package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	signupdomain "github.com/pixelforge/pixelforge/internal/signup/domain"
)

type signupRequest struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
}

// Signup registers an identity and posts the one-time welcome grant. Replays
// return 200 with granted false.
func (s *Server) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	result, err := s.signupSvc.Signup(c.Request.Context(), signupdomain.Request{
		IdentityID: req.IdentityID,
		Email:      req.Email,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if result.Granted {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{
		"identity_id": result.Identity.ID,
		"email":       result.Identity.Email,
		"granted":     result.Granted,
		"credits":     result.Credits,
	})
}
