package domain

import (
	"context"
	"errors"

	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
)

var ErrInvalidRequest = errors.New("invalid_signup_request")

// Request registers an identity with the billing core. Email is optional;
// when present it is attached if the identity has none yet.
type Request struct {
	IdentityID string `json:"identity_id"`
	Email      string `json:"email"`
}

// Result reports the registration. Granted is false when the welcome grant
// was already posted by an earlier call.
type Result struct {
	Identity *identitydomain.Identity
	Granted  bool
	Credits  int64
}

type Service interface {
	// Signup ensures the identity row exists and posts the one-time welcome
	// grant. Idempotent per identity; replays return Granted false.
	Signup(ctx context.Context, req Request) (*Result, error)
}
