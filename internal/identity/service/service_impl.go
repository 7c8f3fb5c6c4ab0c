package service

import (
	"context"
	"errors"
	"strings"

	"github.com/pixelforge/pixelforge/internal/clock"
	identitydomain "github.com/pixelforge/pixelforge/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) identitydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("identity.service"),
		clock: p.Clock,
	}
}

func (s *Service) EnsureTx(ctx context.Context, tx *gorm.DB, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return identitydomain.ErrIdentityNotFound
	}
	now := s.clock.Now()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO identities (id, email_verified, created_at, last_seen_at)
		 VALUES (?, false, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, now, now,
	).Error
}

func (s *Service) Get(ctx context.Context, id string) (*identitydomain.Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, identitydomain.ErrIdentityNotFound
	}

	var identity identitydomain.Identity
	if err := s.db.WithContext(ctx).First(&identity, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, identitydomain.ErrIdentityNotFound
		}
		return nil, err
	}
	return &identity, nil
}

func (s *Service) AttachEmailIfMissing(ctx context.Context, tx *gorm.DB, id, email string) (bool, error) {
	id = strings.TrimSpace(id)
	email = strings.ToLower(strings.TrimSpace(email))
	if id == "" {
		return false, identitydomain.ErrIdentityNotFound
	}
	if email == "" || !strings.Contains(email, "@") {
		return false, identitydomain.ErrInvalidEmail
	}

	var identity identitydomain.Identity
	if err := tx.WithContext(ctx).First(&identity, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, identitydomain.ErrIdentityNotFound
		}
		return false, err
	}
	if identity.Email != nil {
		return false, nil
	}

	var holders int64
	if err := tx.WithContext(ctx).Model(&identitydomain.Identity{}).
		Where("email = ? AND id <> ?", email, id).
		Count(&holders).Error; err != nil {
		return false, err
	}
	if holders > 0 {
		s.log.Info("email already held by another identity, not attaching",
			zap.String("identity_id", id),
		)
		return false, nil
	}

	if err := tx.WithContext(ctx).Model(&identitydomain.Identity{}).
		Where("id = ?", id).
		Update("email", email).Error; err != nil {
		return false, err
	}
	return true, nil
}
