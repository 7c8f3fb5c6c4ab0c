package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"go.uber.org/zap"
)

// HandlePaymentWebhook accepts the provider ping. Mollie sends a form-encoded
// payment id and retries on any non-200, so processing failures surface as
// 5xx; the stored event row and the provider retry recover.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	paymentID := strings.TrimSpace(c.PostForm("id"))
	if paymentID == "" {
		var body struct {
			ID string `json:"id"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			paymentID = strings.TrimSpace(body.ID)
		}
	}
	if paymentID == "" {
		AbortWithError(c, newValidationError("id", "required", "payment id is required"))
		return
	}

	err := s.webhookSvc.Process(c.Request.Context(), provider, paymentID)
	if err != nil {
		if !errors.Is(err, pspdomain.ErrUnknownProvider) {
			s.log.Warn("webhook processing failed",
				zap.String("provider", provider),
				zap.String("payment_id", paymentID),
				zap.Error(err),
			)
		}
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusOK)
}
