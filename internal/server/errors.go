package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pixelforge/pixelforge/internal/catalog"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	reservationdomain "github.com/pixelforge/pixelforge/internal/reservation/domain"
	signupdomain "github.com/pixelforge/pixelforge/internal/signup/domain"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v *ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Detail  gin.H             `json:"detail,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var insufficient *reservationdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
			Detail: gin.H{
				"required":     insufficient.Required,
				"balance":      insufficient.Balance,
				"reserved":     insufficient.Reserved,
				"available":    insufficient.Available,
				"credit_class": insufficient.Class,
			},
		}
	}

	switch {
	case isValidationSentinel(err):
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "request", Code: code, Message: "invalid value"},
			},
		}
	case errors.Is(err, subscriptiondomain.ErrEmailMismatch):
		return http.StatusForbidden, errorPayload{
			Type:    "email_mismatch",
			Message: "email does not match the identity on record",
		}
	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return http.StatusConflict, errorPayload{
			Type:    "already_subscribed",
			Message: "identity already has a blocking subscription",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, pspdomain.ErrPSPUnavailable),
		errors.Is(err, pspdomain.ErrPSPCreate):
		return http.StatusBadGateway, errorPayload{
			Type:    "psp_unavailable",
			Message: "payment provider unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationSentinel(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, identitydomain.ErrInvalidEmail),
		errors.Is(err, catalog.ErrUnknownAction),
		errors.Is(err, catalog.ErrUnknownPlan),
		errors.Is(err, purchasedomain.ErrPlanNotPurchasable),
		errors.Is(err, signupdomain.ErrInvalidRequest),
		errors.Is(err, ledgerdomain.ErrInvalidIdentity),
		errors.Is(err, ledgerdomain.ErrInvalidEntryType),
		errors.Is(err, ledgerdomain.ErrInvalidCreditClass),
		errors.Is(err, ledgerdomain.ErrInvalidRef):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, reservationdomain.ErrReservationNotFound),
		errors.Is(err, purchasedomain.ErrPurchaseNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, subscriptiondomain.ErrNotSubscribed),
		errors.Is(err, identitydomain.ErrIdentityNotFound),
		errors.Is(err, pspdomain.ErrPaymentNotFound),
		errors.Is(err, pspdomain.ErrUnknownProvider),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
