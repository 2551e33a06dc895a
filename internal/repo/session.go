package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/auth_service/internal/models"
)

const DefaultSessionTTL = 20 * 24 * time.Hour

// SessionRepo keeps at most one session per user. Refresh tokens are stored
// as sha256 hex and looked up by hashing the presented value.
type SessionRepo struct {
	DB  *gorm.DB
	TTL time.Duration
	Now func() time.Time
}

func (r *SessionRepo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *SessionRepo) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultSessionTTL
}

// Upsert creates or overwrites the user's session and restarts the refresh
// window. The previous refresh token stops matching immediately.
func (r *SessionRepo) Upsert(ctx context.Context, userID uuid.UUID, accessToken, refreshToken string) (time.Time, error) {
	now := r.now()
	s := models.Session{
		UserID:                userID,
		AccessToken:           accessToken,
		RefreshTokenHash:      Sha256Hex(refreshToken),
		RefreshTokenExpiresAt: now.Add(r.ttl()),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	err := r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token_hash", "refresh_token_expires_at", "updated_at"}),
	}).Create(&s).Error
	if err != nil {
		return time.Time{}, err
	}
	return s.RefreshTokenExpiresAt, nil
}

func (r *SessionRepo) FindByUser(ctx context.Context, userID uuid.UUID) (*models.Session, error) {
	var s models.Session
	if err := r.DB.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *SessionRepo) FindByRefreshToken(ctx context.Context, refreshToken string) (*models.Session, error) {
	if refreshToken == "" {
		return nil, ErrSessionNotFound
	}
	var s models.Session
	if err := r.DB.WithContext(ctx).Where("refresh_token_hash = ?", Sha256Hex(refreshToken)).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// Rotate swaps oldRefresh for newRefresh only if oldRefresh is still the
// current token, so of two racing refreshes exactly one wins.
func (r *SessionRepo) Rotate(ctx context.Context, userID uuid.UUID, oldRefresh, accessToken, newRefresh string) (time.Time, error) {
	now := r.now()
	exp := now.Add(r.ttl())

	res := r.DB.WithContext(ctx).Model(&models.Session{}).
		Where("user_id = ? AND refresh_token_hash = ?", userID, Sha256Hex(oldRefresh)).
		Updates(map[string]any{
			"access_token":             accessToken,
			"refresh_token_hash":       Sha256Hex(newRefresh),
			"refresh_token_expires_at": exp,
			"updated_at":               now,
		})
	if res.Error != nil {
		return time.Time{}, res.Error
	}
	if res.RowsAffected == 0 {
		return time.Time{}, ErrStaleRefreshToken
	}
	return exp, nil
}

func (r *SessionRepo) Delete(ctx context.Context, userID uuid.UUID) error {
	return r.DB.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Session{}).Error
}

func (r *SessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.DB.WithContext(ctx).Where("refresh_token_expires_at <= ?", r.now()).Delete(&models.Session{})
	return res.RowsAffected, res.Error
}
