package domain

import "context"

// PurchaseSink consumes one-time payments fetched after a webhook ping.
type PurchaseSink interface {
	ProcessPayment(ctx context.Context, provider string, payment *Payment) error
}

// SubscriptionSink consumes payments that belong to a provider subscription.
type SubscriptionSink interface {
	ProcessSubscriptionPayment(ctx context.Context, provider string, payment *Payment) error
}
