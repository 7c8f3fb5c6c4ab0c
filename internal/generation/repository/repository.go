package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pixelforge/pixelforge/internal/clock"
	generationdomain "github.com/pixelforge/pixelforge/internal/generation/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("job_not_found")

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
}

// Repository covers the few job and history touches the billing core needs.
type Repository struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewRepository(p Params) *Repository {
	return &Repository{db: p.DB, clock: p.Clock}
}

// EnsureJobTx inserts the queued placeholder row if the job does not exist
// yet. Idempotent by job id.
func (r *Repository) EnsureJobTx(ctx context.Context, tx *gorm.DB, jobID, identityID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ErrJobNotFound
	}
	now := r.clock.Now()
	return tx.WithContext(ctx).Exec(
		`INSERT INTO jobs (id, identity_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		jobID, identityID, string(generationdomain.JobStatusQueued), now, now,
	).Error
}

// LinkReservationTx points the job placeholder at its reservation.
func (r *Repository) LinkReservationTx(ctx context.Context, tx *gorm.DB, jobID string, reservationID snowflake.ID) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE jobs SET reservation_id = ?, updated_at = ? WHERE id = ?`,
		reservationID, r.clock.Now(), jobID,
	).Error
}

// GetJob returns the job row, or ErrJobNotFound.
func (r *Repository) GetJob(ctx context.Context, jobID string) (*generationdomain.Job, error) {
	var job generationdomain.Job
	if err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// SetJobStatus updates the placeholder's status.
func (r *Repository) SetJobStatus(ctx context.Context, jobID string, status generationdomain.JobStatus) error {
	result := r.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), r.clock.Now(), jobID,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// InsertHistoryItem backfills a missing history row. Idempotent by job.
func (r *Repository) InsertHistoryItem(ctx context.Context, tx *gorm.DB, id snowflake.ID, identityID, jobID, assetID, kind string, createdAt time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO history_items (id, identity_id, job_id, asset_id, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		id, identityID, jobID, assetID, kind, createdAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
