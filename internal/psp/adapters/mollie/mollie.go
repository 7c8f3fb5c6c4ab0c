package mollie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pixelforge/pixelforge/internal/config"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"go.uber.org/zap"
)

const listPageSize = 250

// Adapter talks to the Mollie v2 REST API.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *retryablehttp.Client
	log     *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Adapter {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.Logger = nil

	return &Adapter{
		apiKey:  cfg.Mollie.APIKey,
		baseURL: strings.TrimRight(cfg.Mollie.BaseURL, "/"),
		client:  client,
		log:     log.Named("psp.mollie"),
	}
}

func (a *Adapter) Name() string { return "mollie" }

type amount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type payment struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Amount            amount            `json:"amount"`
	AmountRefunded    *amount           `json:"amountRefunded"`
	AmountChargedBack *amount           `json:"amountChargedBack"`
	Description       string            `json:"description"`
	SequenceType      string            `json:"sequenceType"`
	CustomerID        string            `json:"customerId"`
	MandateID         string            `json:"mandateId"`
	SubscriptionID    string            `json:"subscriptionId"`
	Metadata          map[string]string `json:"metadata"`
	PaidAt            *time.Time        `json:"paidAt"`
	CreatedAt         time.Time         `json:"createdAt"`
	Links             struct {
		Checkout *struct {
			Href string `json:"href"`
		} `json:"checkout"`
	} `json:"_links"`
}

func (a *Adapter) CreatePayment(ctx context.Context, in pspdomain.CreatePaymentInput) (*pspdomain.Payment, error) {
	body := map[string]any{
		"amount":      amount{Currency: in.AmountCurrency, Value: in.AmountValue},
		"description": in.Description,
		"redirectUrl": in.RedirectURL,
		"webhookUrl":  in.WebhookURL,
		"metadata":    in.Metadata,
	}
	if in.SequenceType != "" && in.SequenceType != pspdomain.SequenceTypeOneOff {
		body["sequenceType"] = string(in.SequenceType)
	}
	if in.CustomerID != "" {
		body["customerId"] = in.CustomerID
	}

	var resp payment
	if err := a.do(ctx, http.MethodPost, "/payments", body, &resp); err != nil {
		return nil, err
	}
	return toPayment(resp), nil
}

func (a *Adapter) FetchPayment(ctx context.Context, paymentID string) (*pspdomain.Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, pspdomain.ErrMissingReference
	}
	var resp payment
	if err := a.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &resp); err != nil {
		return nil, err
	}
	return toPayment(resp), nil
}

// ListPayments pages backwards through the payment list until it passes the
// since bound. Mollie returns payments newest first.
func (a *Adapter) ListPayments(ctx context.Context, since time.Time) ([]pspdomain.Payment, error) {
	var out []pspdomain.Payment
	from := ""
	for {
		path := "/payments?limit=" + strconv.Itoa(listPageSize)
		if from != "" {
			path += "&from=" + url.QueryEscape(from)
		}

		var page struct {
			Embedded struct {
				Payments []payment `json:"payments"`
			} `json:"_embedded"`
			Links struct {
				Next *struct {
					Href string `json:"href"`
				} `json:"next"`
			} `json:"_links"`
		}
		if err := a.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}

		done := len(page.Embedded.Payments) == 0
		for _, p := range page.Embedded.Payments {
			if p.CreatedAt.Before(since) {
				done = true
				break
			}
			out = append(out, *toPayment(p))
		}
		if done || page.Links.Next == nil {
			return out, nil
		}
		next, err := url.Parse(page.Links.Next.Href)
		if err != nil {
			return out, nil
		}
		from = next.Query().Get("from")
		if from == "" {
			return out, nil
		}
	}
}

func (a *Adapter) CreateCustomer(ctx context.Context, name, email string, metadata map[string]string) (string, error) {
	body := map[string]any{
		"name":     name,
		"email":    email,
		"metadata": metadata,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, "/customers", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) GetValidMandate(ctx context.Context, customerID string) (string, error) {
	var resp struct {
		Embedded struct {
			Mandates []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"mandates"`
		} `json:"_embedded"`
	}
	path := "/customers/" + url.PathEscape(customerID) + "/mandates"
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	for _, mandate := range resp.Embedded.Mandates {
		if mandate.Status == "valid" {
			return mandate.ID, nil
		}
	}
	return "", pspdomain.ErrNoValidMandate
}

func (a *Adapter) CreateSubscription(ctx context.Context, in pspdomain.CreateSubscriptionInput) (string, error) {
	body := map[string]any{
		"amount":      amount{Currency: in.AmountCurrency, Value: in.AmountValue},
		"interval":    in.Interval,
		"description": in.Description,
		"webhookUrl":  in.WebhookURL,
		"metadata":    in.Metadata,
	}
	if in.MandateID != "" {
		body["mandateId"] = in.MandateID
	}
	var resp struct {
		ID string `json:"id"`
	}
	path := "/customers/" + url.PathEscape(in.CustomerID) + "/subscriptions"
	if err := a.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, customerID, subscriptionID string) (bool, error) {
	path := "/customers/" + url.PathEscape(customerID) + "/subscriptions/" + url.PathEscape(subscriptionID)
	err := a.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		// a gone subscription is already cancelled
		var apiErr *apiError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusGone) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type apiError struct {
	Status int
	Detail string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("mollie: status %d: %s", e.Status, e.Detail)
}

func (a *Adapter) do(ctx context.Context, method, path string, body, out any) error {
	if a.apiKey == "" {
		return pspdomain.ErrPSPUnavailable
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("mollie request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return pspdomain.ErrPSPUnavailable
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return pspdomain.ErrPaymentNotFound
	}
	if resp.StatusCode >= 400 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(payload, &detail)
		return &apiError{Status: resp.StatusCode, Detail: detail.Detail}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func toPayment(p payment) *pspdomain.Payment {
	status := pspdomain.PaymentStatus(p.Status)
	if hasValue(p.AmountChargedBack) {
		status = pspdomain.PaymentStatusChargedBack
	} else if hasValue(p.AmountRefunded) {
		status = pspdomain.PaymentStatusRefunded
	}

	out := &pspdomain.Payment{
		ID:             p.ID,
		Status:         status,
		AmountValue:    p.Amount.Value,
		AmountCurrency: p.Amount.Currency,
		Description:    p.Description,
		SequenceType:   pspdomain.SequenceType(p.SequenceType),
		CustomerID:     p.CustomerID,
		MandateID:      p.MandateID,
		SubscriptionID: p.SubscriptionID,
		Metadata:       p.Metadata,
		PaidAt:         p.PaidAt,
		CreatedAt:      p.CreatedAt,
	}
	if p.Links.Checkout != nil {
		out.CheckoutURL = p.Links.Checkout.Href
	}
	return out
}

func hasValue(a *amount) bool {
	if a == nil {
		return false
	}
	value, err := strconv.ParseFloat(a.Value, 64)
	return err == nil && value > 0
}
