package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrIdentityNotFound = errors.New("identity_not_found")
	ErrInvalidEmail     = errors.New("invalid_email")
	ErrEmailMismatch    = errors.New("email_mismatch")
)

// Identity is owned by the identity service; the core reads it and may attach
// a missing email, nothing more.
type Identity struct {
	ID            string    `gorm:"primaryKey;type:text"`
	Email         *string   `gorm:"type:text;uniqueIndex:ux_identities_email"`
	EmailVerified bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastSeenAt    time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Identity) TableName() string { return "identities" }

type Service interface {
	Get(ctx context.Context, id string) (*Identity, error)

	// EnsureTx inserts the identity row if this is the first time the id is
	// seen. Idempotent.
	EnsureTx(ctx context.Context, tx *gorm.DB, id string) error

	// AttachEmailIfMissing sets the identity's email when it has none and no
	// other identity holds the address. Returns true only when it attached.
	AttachEmailIfMissing(ctx context.Context, tx *gorm.DB, id, email string) (bool, error)
}
