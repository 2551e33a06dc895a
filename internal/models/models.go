package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"     json:"id"`
	Email          string    `gorm:"uniqueIndex;not null"     json:"email"`
	FirstName      string    `gorm:"size:40;not null"         json:"first_name"`
	LastName       string    `gorm:"size:40;not null"         json:"last_name"`
	PasswordHash   string    `gorm:"not null"                 json:"-"`
	EmailConfirmed bool      `gorm:"not null;default:false"   json:"email_confirmed"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (u User) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

type Role struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"uniqueIndex;not null"     json:"name"`
}

type UserRole struct {
	UserID uuid.UUID `gorm:"type:uuid;primaryKey" json:"user_id"`
	RoleID uint      `gorm:"primaryKey"           json:"role_id"`
}

// OneTimeCode keeps the hash of the single live code per (user, purpose).
type OneTimeCode struct {
	ID        uint      `gorm:"primaryKey"                                    json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_code_owner" json:"user_id"`
	Purpose   string    `gorm:"size:32;not null;uniqueIndex:idx_code_owner"   json:"purpose"`
	CodeHash  string    `gorm:"size:64;not null"                              json:"-"`
	Attempts  int       `gorm:"not null;default:0"                            json:"attempts"`
	IssuedAt  time.Time `gorm:"not null"                                      json:"issued_at"`
	ExpiresAt time.Time `gorm:"index;not null"                                json:"expires_at"`
}

// Session is the single refresh-token record of a user.
type Session struct {
	UserID                uuid.UUID `gorm:"type:uuid;primaryKey"    json:"user_id"`
	AccessToken           string    `gorm:"type:text;not null"      json:"-"`
	RefreshTokenHash      string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	RefreshTokenExpiresAt time.Time `gorm:"index;not null"          json:"refresh_token_expires_at"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func All() []any {
	return []any{&User{}, &Role{}, &UserRole{}, &OneTimeCode{}, &Session{}}
}
