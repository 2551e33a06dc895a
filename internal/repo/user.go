package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/auth_service/internal/models"
)

// UserRepo is the gorm-backed identity store: users, roles and their links.
type UserRepo struct {
	DB *gorm.DB
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts u and links it to role, creating the role if needed.
// Both happen in one transaction so a user never exists without a role.
func (r *UserRepo) CreateUser(ctx context.Context, u *models.User, role string) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Email = NormalizeEmail(u.Email)

	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.User{}).Where("email = ?", u.Email).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrUserAlreadyExist
		}
		if err := tx.Create(u).Error; err != nil {
			if isDuplicateKey(err) {
				return ErrUserAlreadyExist
			}
			return err
		}

		rl, err := ensureRole(tx, role)
		if err != nil {
			return err
		}
		return assignRole(tx, u.ID, rl.ID)
	})
}

func (r *UserRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("email = ?", NormalizeEmail(email)).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (r *UserRepo) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	if hash == "" {
		return errors.New("password hash must not be empty")
	}
	res := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ConfirmEmail flips the confirmed flag once; a second call reports
// ErrEmailAlreadyConfirmed.
func (r *UserRepo) ConfirmEmail(ctx context.Context, id uuid.UUID) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND email_confirmed = ?", id, false).
		Update("email_confirmed", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrEmailAlreadyConfirmed
}

func (r *UserRepo) RolesForUser(ctx context.Context, id uuid.UUID) ([]string, error) {
	var names []string
	err := r.DB.WithContext(ctx).
		Table("roles").
		Select("roles.name").
		Joins("JOIN user_roles ON user_roles.role_id = roles.id").
		Where("user_roles.user_id = ?", id).
		Order("roles.name").
		Pluck("roles.name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("roles for user: %w", err)
	}
	return names, nil
}

func ensureRole(tx *gorm.DB, name string) (*models.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("role name must not be empty")
	}
	rl := models.Role{Name: name}
	if err := tx.Where("name = ?", name).FirstOrCreate(&rl).Error; err != nil {
		return nil, fmt.Errorf("ensure role %q: %w", name, err)
	}
	return &rl, nil
}

func assignRole(tx *gorm.DB, userID uuid.UUID, roleID uint) error {
	link := models.UserRole{UserID: userID, RoleID: roleID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	return nil
}
