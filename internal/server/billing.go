package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	purchasedomain "github.com/pixelforge/pixelforge/internal/purchase/domain"
	subscriptiondomain "github.com/pixelforge/pixelforge/internal/subscription/domain"
)

// ListActions returns the pricing table for generation actions.
func (s *Server) ListActions(c *gin.Context) {
	actions := s.catalog.Actions()
	out := make([]gin.H, 0, len(actions))
	for _, action := range actions {
		out = append(out, gin.H{
			"code":         action.Code,
			"cost":         action.Cost,
			"credit_class": action.Class,
		})
	}
	c.JSON(http.StatusOK, gin.H{"actions": out})
}

// ListPlans returns purchasable packs and subscription plans.
func (s *Server) ListPlans(c *gin.Context) {
	plans := s.catalog.Plans()
	out := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		out = append(out, gin.H{
			"code":            plan.Code,
			"credits":         plan.Credits,
			"credit_class":    plan.Class,
			"price_cents":     plan.PriceCents,
			"currency":        plan.Currency,
			"kind":            plan.Kind,
			"interval_months": plan.IntervalMonths,
		})
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

type checkoutRequest struct {
	IdentityID string `json:"identity_id"`
	PlanCode   string `json:"plan_code"`
	Email      string `json:"email"`
}

func (r *checkoutRequest) validate() error {
	r.IdentityID = strings.TrimSpace(r.IdentityID)
	r.PlanCode = strings.TrimSpace(r.PlanCode)
	r.Email = strings.TrimSpace(r.Email)
	if r.IdentityID == "" {
		return newValidationError("identity_id", "required", "identity id is required")
	}
	if r.PlanCode == "" {
		return newValidationError("plan_code", "required", "plan code is required")
	}
	return nil
}

type purchaseResponse struct {
	ID                string     `json:"id"`
	IdentityID        string     `json:"identity_id"`
	PlanCode          string     `json:"plan_code"`
	Provider          string     `json:"provider"`
	ProviderPaymentID string     `json:"provider_payment_id"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	CreditsGranted    int64      `json:"credits_granted"`
	Status            string     `json:"status"`
	EmailStatus       string     `json:"email_status"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toPurchaseResponse(p *purchasedomain.Purchase) purchaseResponse {
	return purchaseResponse{
		ID:                p.ID.String(),
		IdentityID:        p.IdentityID,
		PlanCode:          p.PlanCode,
		Provider:          p.Provider,
		ProviderPaymentID: p.ProviderPaymentID,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		CreditsGranted:    p.CreditsGranted,
		Status:            string(p.Status),
		EmailStatus:       string(p.EmailStatus),
		PaidAt:            p.PaidAt,
		CreatedAt:         p.CreatedAt,
	}
}

// StartPurchaseCheckout creates the PSP payment for a one-time pack. Credits
// arrive only with the paid webhook.
func (s *Server) StartPurchaseCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := req.validate(); err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.purchaseSvc.StartCheckout(c.Request.Context(), req.IdentityID, req.PlanCode, req.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"purchase":     toPurchaseResponse(result.Purchase),
		"checkout_url": result.CheckoutURL,
	})
}

// ConfirmPurchase re-fetches the payment from the PSP and applies it. Lets the
// redirect landing page show the outcome without waiting for the webhook.
func (s *Server) ConfirmPurchase(c *gin.Context) {
	provider := strings.TrimSpace(c.Query("provider"))
	if provider == "" {
		provider = "mollie"
	}
	paymentID := strings.TrimSpace(c.Query("payment_id"))
	if paymentID == "" {
		AbortWithError(c, newValidationError("payment_id", "required", "payment id is required"))
		return
	}

	purchase, err := s.purchaseSvc.ConfirmPayment(c.Request.Context(), provider, paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchase": toPurchaseResponse(purchase)})
}

// ListPurchases returns an identity's purchases, newest first.
func (s *Server) ListPurchases(c *gin.Context) {
	identityID := strings.TrimSpace(c.Query("identity_id"))
	if identityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			AbortWithError(c, newValidationError("limit", "invalid", "limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}

	purchases, err := s.purchaseSvc.ListByIdentity(c.Request.Context(), identityID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]purchaseResponse, 0, len(purchases))
	for i := range purchases {
		out = append(out, toPurchaseResponse(&purchases[i]))
	}
	c.JSON(http.StatusOK, gin.H{"purchases": out})
}

type subscriptionBillingView struct {
	NextPaymentDate *time.Time `json:"next_payment_date,omitempty"`
	MandateStatus   string     `json:"mandate_status"`
}

type tierPerksView struct {
	MonthlyCredits int64  `json:"monthly_credits"`
	CreditClass    string `json:"credit_class"`
	IntervalMonths int    `json:"interval_months"`
}

type subscriptionResponse struct {
	ID                 string                  `json:"id"`
	IdentityID         string                  `json:"identity_id"`
	PlanCode           string                  `json:"plan_code"`
	Status             string                  `json:"status"`
	Provider           string                  `json:"provider"`
	CurrentPeriodStart time.Time               `json:"current_period_start"`
	CurrentPeriodEnd   time.Time               `json:"current_period_end"`
	NextCreditDate     time.Time               `json:"next_credit_date"`
	CancelledAt        *time.Time              `json:"cancelled_at,omitempty"`
	PrepaidUntil       *time.Time              `json:"prepaid_until,omitempty"`
	CreatedAt          time.Time               `json:"created_at"`
	Billing            subscriptionBillingView `json:"billing"`
	TierPerks          *tierPerksView          `json:"tier_perks,omitempty"`
}

func (s *Server) toSubscriptionResponse(sub *subscriptiondomain.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                 sub.ID.String(),
		IdentityID:         sub.IdentityID,
		PlanCode:           sub.PlanCode,
		Status:             string(sub.Status),
		Provider:           sub.Provider,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		NextCreditDate:     sub.NextCreditDate,
		CancelledAt:        sub.CancelledAt,
		PrepaidUntil:       sub.PrepaidUntil,
		CreatedAt:          sub.CreatedAt,
		Billing:            billingViewFor(sub),
	}
	if plan, err := s.catalog.PlanGrant(sub.PlanCode); err == nil {
		resp.TierPerks = &tierPerksView{
			MonthlyCredits: plan.Credits,
			CreditClass:    string(plan.Class),
			IntervalMonths: plan.IntervalMonths,
		}
	}
	return resp
}

func billingViewFor(sub *subscriptiondomain.Subscription) subscriptionBillingView {
	view := subscriptionBillingView{MandateStatus: "none"}
	switch {
	case sub.MandateID != nil:
		view.MandateStatus = "active"
	case sub.Status == subscriptiondomain.SubscriptionStatusPendingPayment:
		view.MandateStatus = "pending"
	}
	// The PSP charges again at the end of the prepaid window for yearly plans,
	// at the period boundary otherwise.
	if sub.Status == subscriptiondomain.SubscriptionStatusActive ||
		sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		next := sub.CurrentPeriodEnd
		if sub.PrepaidUntil != nil && sub.PrepaidUntil.After(next) {
			next = *sub.PrepaidUntil
		}
		view.NextPaymentDate = &next
	}
	return view
}

// StartSubscriptionCheckout creates the mandate-establishing first payment.
func (s *Server) StartSubscriptionCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := req.validate(); err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Email == "" {
		AbortWithError(c, newValidationError("email", "required", "email is required for subscriptions"))
		return
	}

	result, err := s.subscriptionSvc.StartCheckout(c.Request.Context(), req.IdentityID, req.PlanCode, req.Email)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": s.toSubscriptionResponse(result.Subscription),
		"checkout_url": result.CheckoutURL,
	})
}

type cancelSubscriptionRequest struct {
	IdentityID string `json:"identity_id"`
}

// CancelSubscription stops future charges. Already granted credits keep
// flowing until the prepaid period runs out.
func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	if req.IdentityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	sub, err := s.subscriptionSvc.Cancel(c.Request.Context(), req.IdentityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": s.toSubscriptionResponse(sub)})
}

// GetSubscription returns the identity's blocking subscription, if any.
func (s *Server) GetSubscription(c *gin.Context) {
	identityID := strings.TrimSpace(c.Param("identityId"))
	if identityID == "" {
		AbortWithError(c, newValidationError("identity_id", "required", "identity id is required"))
		return
	}

	sub, err := s.subscriptionSvc.GetBlocking(c.Request.Context(), identityID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": s.toSubscriptionResponse(sub)})
}
