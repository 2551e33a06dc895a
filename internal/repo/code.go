package repo

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/auth_service/internal/models"
	"github.com/Skotchmaster/auth_service/internal/otp"
)

// CodeRepo is the gorm otp.Store.
type CodeRepo struct {
	DB *gorm.DB
}

var _ otp.Store = (*CodeRepo)(nil)

func (r *CodeRepo) Put(ctx context.Context, rec otp.Record) error {
	row := models.OneTimeCode{
		UserID:    rec.UserID,
		Purpose:   string(rec.Purpose),
		CodeHash:  rec.CodeHash,
		Attempts:  0,
		IssuedAt:  rec.IssuedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "purpose"}},
		DoUpdates: clause.AssignmentColumns([]string{"code_hash", "attempts", "issued_at", "expires_at"}),
	}).Create(&row).Error
}

// Consume commits its side effects (expiry cleanup, attempt counting) even
// when it reports a failure, hence the outcome variable.
func (r *CodeRepo) Consume(ctx context.Context, userID uuid.UUID, purpose otp.Purpose, codeHash string, now time.Time, maxAttempts int) error {
	var outcome error

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.OneTimeCode
		if err := tx.Where("user_id = ? AND purpose = ?", userID, string(purpose)).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				outcome = otp.ErrNotFound
				return nil
			}
			return err
		}

		if !now.Before(rec.ExpiresAt) {
			outcome = otp.ErrExpired
			return tx.Delete(&models.OneTimeCode{}, rec.ID).Error
		}

		if subtle.ConstantTimeCompare([]byte(rec.CodeHash), []byte(codeHash)) != 1 {
			outcome = otp.ErrMismatch
			// The attempt count read above may be stale. The guard is evaluated
			// against the current row so concurrent guesses cannot exceed the limit.
			res := tx.Model(&models.OneTimeCode{}).
				Where("id = ? AND attempts + 1 < ?", rec.ID, maxAttempts).
				Update("attempts", gorm.Expr("attempts + 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return tx.Delete(&models.OneTimeCode{}, rec.ID).Error
			}
			return nil
		}

		res := tx.Where("id = ? AND code_hash = ?", rec.ID, codeHash).Delete(&models.OneTimeCode{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			outcome = otp.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	return outcome
}

func (r *CodeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&models.OneTimeCode{})
	return res.RowsAffected, res.Error
}
