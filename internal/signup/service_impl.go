package signup

import (
	"context"
	"errors"
	"strings"

	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
	signupdomain "github.com/pixelforge/pixelforge/internal/signup/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// welcomeCredits is the one-time grant every new identity receives. Enough
// for a handful of image generations, not enough to farm.
const welcomeCredits = 25

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	LedgerSvc ledgerdomain.Service
	Identity  identitydomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	ledgerSvc ledgerdomain.Service
	identity  identitydomain.Service
}

func NewService(p Params) signupdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("signup.service"),
		ledgerSvc: p.LedgerSvc,
		identity:  p.Identity,
	}
}

func (s *Service) Signup(ctx context.Context, req signupdomain.Request) (*signupdomain.Result, error) {
	id := strings.TrimSpace(req.IdentityID)
	if id == "" {
		return nil, signupdomain.ErrInvalidRequest
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	granted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.identity.EnsureTx(ctx, tx, id); err != nil {
			return err
		}
		if email != "" {
			if _, err := s.identity.AttachEmailIfMissing(ctx, tx, id, email); err != nil {
				return err
			}
		}

		// the signup_grant unique index makes replays a no-op
		_, err := s.ledgerSvc.Append(ctx, tx, ledgerdomain.AppendInput{
			IdentityID:  id,
			EntryType:   ledgerdomain.EntryTypeSignupGrant,
			Amount:      welcomeCredits,
			CreditClass: ledgerdomain.CreditClassGeneral,
			RefType:     ledgerdomain.RefTypeSignup,
			RefID:       id,
			Meta:        datatypes.JSONMap{"source": "signup"},
		})
		if errors.Is(err, ledgerdomain.ErrDuplicateRef) {
			return nil
		}
		if err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	identity, err := s.identity.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &signupdomain.Result{Identity: identity, Granted: granted}
	if granted {
		result.Credits = welcomeCredits
		s.log.Info("welcome credits granted",
			zap.String("identity_id", id),
			zap.Int64("credits", welcomeCredits),
		)
	}
	return result, nil
}
