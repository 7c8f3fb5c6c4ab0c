package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	"github.com/pixelforge/pixelforge/internal/psp/adapters"
	pspdomain "github.com/pixelforge/pixelforge/internal/psp/domain"
	"github.com/pixelforge/pixelforge/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CustomersParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Registry *adapters.Registry
}

// Customers memoises provider-side customer ids per identity so repeat
// checkouts reuse the same PSP customer and its mandates.
type Customers struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	registry *adapters.Registry
}

func NewCustomers(p CustomersParams) *Customers {
	return &Customers{
		db:       p.DB,
		log:      p.Log.Named("psp.customers"),
		genID:    p.GenID,
		clock:    p.Clock,
		registry: p.Registry,
	}
}

// Ensure returns the provider customer id for the identity, creating the
// customer on the provider first if none is recorded yet.
func (s *Customers) Ensure(ctx context.Context, provider, identityID, email string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return "", pspdomain.ErrMissingReference
	}

	var existing pspdomain.Customer
	err := s.db.WithContext(ctx).
		First(&existing, "provider = ? AND identity_id = ?", provider, identityID).Error
	if err == nil {
		return existing.CustomerID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return "", err
	}

	customerID, err := adapter.CreateCustomer(ctx, identityID, email, map[string]string{
		"identity_id": identityID,
	})
	if err != nil {
		return "", err
	}

	record := pspdomain.Customer{
		ID:         s.genID.Generate(),
		Provider:   provider,
		IdentityID: identityID,
		CustomerID: customerID,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// lost the race; the winner's row is authoritative
			if rerr := s.db.WithContext(ctx).
				First(&existing, "provider = ? AND identity_id = ?", provider, identityID).Error; rerr == nil {
				return existing.CustomerID, nil
			}
		}
		return "", err
	}

	s.log.Info("psp customer created",
		zap.String("provider", provider),
		zap.String("identity_id", identityID),
	)
	return customerID, nil
}
