package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Skotchmaster/auth_service/internal/events"
	"github.com/Skotchmaster/auth_service/internal/hash"
	"github.com/Skotchmaster/auth_service/internal/logging"
	"github.com/Skotchmaster/auth_service/internal/metrics"
	"github.com/Skotchmaster/auth_service/internal/models"
	"github.com/Skotchmaster/auth_service/internal/notify"
	"github.com/Skotchmaster/auth_service/internal/otp"
	"github.com/Skotchmaster/auth_service/internal/repo"
	"github.com/Skotchmaster/auth_service/internal/tokens"
)

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User, role string) error
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	ConfirmEmail(ctx context.Context, id uuid.UUID) error
	RolesForUser(ctx context.Context, id uuid.UUID) ([]string, error)
}

type SessionStore interface {
	Upsert(ctx context.Context, userID uuid.UUID, accessToken, refreshToken string) (time.Time, error)
	FindByRefreshToken(ctx context.Context, refreshToken string) (*models.Session, error)
	Rotate(ctx context.Context, userID uuid.UUID, oldRefresh, accessToken, newRefresh string) (time.Time, error)
	Delete(ctx context.Context, userID uuid.UUID) error
}

type CodeIssuer interface {
	Issue(ctx context.Context, userID uuid.UUID, purpose otp.Purpose) (string, error)
	Verify(ctx context.Context, userID uuid.UUID, purpose otp.Purpose, code string) error
}

type TokenIssuer interface {
	IssueAccessToken(s tokens.Subject) (string, time.Time, error)
	NewRefreshToken() (string, error)
}

// AuthService drives registration, confirmation, login and session renewal.
// It holds no per-user state; all of it lives in the stores.
type AuthService struct {
	Users    UserStore
	Sessions SessionStore
	Codes    CodeIssuer
	Tokens   TokenIssuer
	Hasher   hash.Hasher
	Notifier notify.Notifier
	Events   events.Publisher
	Metrics  metrics.Recorder
	Now      func() time.Time

	CodeTTL          time.Duration
	DefaultRole      string
	RegistrableRoles []string
}

type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      string
}

type LoginResult struct {
	UserID       uuid.UUID
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
	Role         string
}

const DefaultRole = "user"

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (err error) {
	defer s.observe("register", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.register")

	email := repo.NormalizeEmail(in.Email)
	firstName, lastName := strings.TrimSpace(in.FirstName), strings.TrimSpace(in.LastName)
	role := strings.TrimSpace(in.Role)
	if role == "" {
		role = s.defaultRole()
	}
	if verr := validateRegistration(email, in.Password, firstName, lastName); verr != nil {
		l.Warn("register_failed", "status", 400, "reason", verr.Error())
		return fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	if !s.roleAllowed(role) {
		l.Warn("register_failed", "status", 400, "reason", "role not registrable", "role", role)
		return fmt.Errorf("%w: role %q cannot be registered", ErrValidation, role)
	}

	pwHash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		l.Error("register_failed", "status", 500, "reason", "cannot hash the password", "error", err)
		return err
	}

	user := &models.User{
		Email:        email,
		FirstName:    firstName,
		LastName:     lastName,
		PasswordHash: pwHash,
	}
	if err := s.Users.CreateUser(ctx, user, role); err != nil {
		if errors.Is(err, repo.ErrUserAlreadyExist) {
			l.Warn("register_failed", "status", 409, "reason", "user already exist")
			return ErrConflict
		}
		l.Error("register_failed", "status", 500, "error", err)
		return err
	}
	l = l.With("user_id", user.ID.String())
	s.publish(ctx, l, events.UserRegistered, user, role)

	if err := s.sendCode(ctx, l, user, otp.PurposeEmailConfirmation); err != nil {
		return err
	}
	l.Info("user_registered", "role", role)
	return nil
}

// ResendConfirmation replaces the pending confirmation code with a new one.
func (s *AuthService) ResendConfirmation(ctx context.Context, email string) (err error) {
	defer s.observe("resend_confirmation", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.resend_confirmation")

	if verr := validateEmail(email); verr != nil {
		return fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return err
	}
	if user.EmailConfirmed {
		l.Warn("resend_failed", "status", 409, "reason", "email already confirmed")
		return ErrAlreadyConfirmed
	}

	if err := s.sendCode(ctx, l, user, otp.PurposeEmailConfirmation); err != nil {
		return err
	}
	s.publish(ctx, l, events.ConfirmationResent, user, "")
	return nil
}

func (s *AuthService) ConfirmEmail(ctx context.Context, email, code string) (res *LoginResult, err error) {
	defer s.observe("confirm_email", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.confirm_email")

	if verr := validateCode(email, code); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return nil, err
	}
	l = l.With("user_id", user.ID.String())
	if user.EmailConfirmed {
		l.Warn("confirm_failed", "status", 409, "reason", "email already confirmed")
		return nil, ErrAlreadyConfirmed
	}

	if err := s.Codes.Verify(ctx, user.ID, otp.PurposeEmailConfirmation, code); err != nil {
		return nil, codeError(l, "confirm_failed", err)
	}

	if err := s.Users.ConfirmEmail(ctx, user.ID); err != nil {
		if errors.Is(err, repo.ErrEmailAlreadyConfirmed) {
			l.Warn("confirm_failed", "status", 409, "reason", "confirmed concurrently")
			return nil, ErrAlreadyConfirmed
		}
		if errors.Is(err, repo.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		l.Error("confirm_failed", "status", 500, "error", err)
		return nil, err
	}
	user.EmailConfirmed = true

	res, err = s.startSession(ctx, l, user)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, l, events.EmailConfirmed, user, res.Role)
	l.Info("email_confirmed")
	return res, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (res *LoginResult, err error) {
	defer s.observe("login", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.login")

	if verr := validateCredentials(email, password); verr != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return nil, err
	}
	l = l.With("user_id", user.ID.String())
	if !user.EmailConfirmed {
		l.Warn("login_failed", "status", 403, "reason", "email not confirmed")
		return nil, ErrEmailNotConfirmed
	}
	if err := s.checkPassword(l, "login_failed", user, password); err != nil {
		return nil, err
	}

	res, err = s.startSession(ctx, l, user)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, l, events.LoggedIn, user, res.Role)
	l.Info("login_succeeded", "role", res.Role)
	return res, nil
}

// Logout drops the user's session. A missing session is not an error.
func (s *AuthService) Logout(ctx context.Context, userID uuid.UUID) (err error) {
	defer s.observe("logout", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.logout", "user_id", userID.String())

	if err := s.Sessions.Delete(ctx, userID); err != nil {
		l.Error("logout_failed", "status", 500, "error", err)
		return err
	}
	s.publish(ctx, l, events.LoggedOut, &models.User{ID: userID}, "")
	l.Info("logged_out")
	return nil
}

// ChangePassword keeps the current session alive.
func (s *AuthService) ChangePassword(ctx context.Context, email, oldPassword, newPassword string) (err error) {
	defer s.observe("change_password", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.change_password")

	if verr := validateCredentials(email, oldPassword); verr != nil {
		return fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	if verr := validatePassword(newPassword); verr != nil {
		return fmt.Errorf("%w: new password: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return err
	}
	l = l.With("user_id", user.ID.String())
	if err := s.checkPassword(l, "change_password_failed", user, oldPassword); err != nil {
		return err
	}
	if newPassword == oldPassword {
		l.Warn("change_password_failed", "status", 422, "reason", "same password")
		return ErrSamePassword
	}

	if err := s.setPassword(ctx, l, "change_password_failed", user, newPassword); err != nil {
		return err
	}
	s.publish(ctx, l, events.PasswordChanged, user, "")
	l.Info("password_changed")
	return nil
}

func (s *AuthService) ForgotPassword(ctx context.Context, email string) (err error) {
	defer s.observe("forgot_password", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.forgot_password")

	if verr := validateEmail(email); verr != nil {
		return fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return err
	}
	l = l.With("user_id", user.ID.String())
	if !user.EmailConfirmed {
		l.Warn("forgot_password_failed", "status", 403, "reason", "email not confirmed")
		return ErrEmailNotConfirmed
	}

	if err := s.sendCode(ctx, l, user, otp.PurposePasswordReset); err != nil {
		return err
	}
	s.publish(ctx, l, events.PasswordResetRequired, user, "")
	l.Info("password_reset_requested")
	return nil
}

// ResetPassword is the recovery path: the code replaces the old password check.
// Existing sessions are left as they are.
func (s *AuthService) ResetPassword(ctx context.Context, email, code, newPassword string) (err error) {
	defer s.observe("reset_password", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.reset_password")

	if verr := validateCode(email, code); verr != nil {
		return fmt.Errorf("%w: %v", ErrValidation, verr)
	}
	if verr := validatePassword(newPassword); verr != nil {
		return fmt.Errorf("%w: new password: %v", ErrValidation, verr)
	}
	user, err := s.findByEmail(ctx, l, email)
	if err != nil {
		return err
	}
	l = l.With("user_id", user.ID.String())

	if err := s.Codes.Verify(ctx, user.ID, otp.PurposePasswordReset, code); err != nil {
		return codeError(l, "reset_password_failed", err)
	}
	if err := s.setPassword(ctx, l, "reset_password_failed", user, newPassword); err != nil {
		return err
	}
	s.publish(ctx, l, events.PasswordReset, user, "")
	l.Info("password_reset")
	return nil
}

// RefreshToken trades a live refresh token for a new pair. The presented
// token is swapped out atomically, so replaying it fails.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (res *LoginResult, err error) {
	defer s.observe("refresh_token", time.Now(), &err)
	l := logging.FromContext(ctx).With("svc", "auth.refresh")

	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrValidation)
	}

	sess, err := s.Sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, repo.ErrSessionNotFound) {
			l.Warn("refresh_failed", "status", 401, "reason", "unknown refresh token")
			return nil, ErrInvalidToken
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}
	l = l.With("user_id", sess.UserID.String())
	if !s.now().Before(sess.RefreshTokenExpiresAt) {
		l.Warn("refresh_failed", "status", 401, "reason", "refresh token expired")
		return nil, ErrExpired
	}

	user, err := s.Users.FindByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("refresh_failed", "status", 404, "reason", "session owner is gone")
			return nil, ErrNotFound
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}

	pair, err := s.newPair(ctx, l, user)
	if err != nil {
		return nil, err
	}
	pair.RefreshExp, err = s.Sessions.Rotate(ctx, user.ID, refreshToken, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		if errors.Is(err, repo.ErrStaleRefreshToken) {
			l.Warn("refresh_failed", "status", 401, "reason", "refresh token superseded")
			return nil, ErrInvalidToken
		}
		l.Error("refresh_failed", "status", 500, "error", err)
		return nil, err
	}

	s.publish(ctx, l, events.SessionRefreshed, user, pair.Role)
	l.Info("session_refreshed")
	return pair, nil
}

func (s *AuthService) startSession(ctx context.Context, l *slog.Logger, user *models.User) (*LoginResult, error) {
	pair, err := s.newPair(ctx, l, user)
	if err != nil {
		return nil, err
	}
	pair.RefreshExp, err = s.Sessions.Upsert(ctx, user.ID, pair.AccessToken, pair.RefreshToken)
	if err != nil {
		l.Error("session_upsert_failed", "status", 500, "error", err)
		return nil, err
	}
	return pair, nil
}

func (s *AuthService) newPair(ctx context.Context, l *slog.Logger, user *models.User) (*LoginResult, error) {
	role, err := s.effectiveRole(ctx, user.ID)
	if err != nil {
		l.Error("token_issue_failed", "status", 500, "error", err)
		return nil, err
	}
	access, accessExp, err := s.Tokens.IssueAccessToken(tokens.Subject{
		ID:    user.ID.String(),
		Name:  user.DisplayName(),
		Email: user.Email,
		Role:  role,
	})
	if err != nil {
		l.Error("token_issue_failed", "status", 500, "error", err)
		return nil, err
	}
	refresh, err := s.Tokens.NewRefreshToken()
	if err != nil {
		l.Error("token_issue_failed", "status", 500, "error", err)
		return nil, err
	}
	return &LoginResult{
		UserID:       user.ID,
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		Role:         role,
	}, nil
}

func (s *AuthService) effectiveRole(ctx context.Context, userID uuid.UUID) (string, error) {
	roles, err := s.Users.RolesForUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(roles) != 1 {
		return "", fmt.Errorf("%w: got %d", ErrRoleUnresolved, len(roles))
	}
	return roles[0], nil
}

func (s *AuthService) findByEmail(ctx context.Context, l *slog.Logger, email string) (*models.User, error) {
	user, err := s.Users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			l.Warn("user_lookup_failed", "status", 404, "reason", "user not found")
			return nil, ErrNotFound
		}
		l.Error("user_lookup_failed", "status", 500, "error", err)
		return nil, err
	}
	return user, nil
}

func (s *AuthService) checkPassword(l *slog.Logger, event string, user *models.User, password string) error {
	ok, err := s.Hasher.Verify(password, user.PasswordHash)
	if err != nil {
		l.Error(event, "status", 500, "reason", "cannot verify password hash", "error", err)
		return err
	}
	if !ok {
		l.Warn(event, "status", 401, "reason", "invalid password")
		return ErrInvalidCredentials
	}
	return nil
}

func (s *AuthService) setPassword(ctx context.Context, l *slog.Logger, event string, user *models.User, password string) error {
	pwHash, err := s.Hasher.Hash(password)
	if err != nil {
		l.Error(event, "status", 500, "reason", "cannot hash the password", "error", err)
		return err
	}
	if err := s.Users.UpdatePasswordHash(ctx, user.ID, pwHash); err != nil {
		if errors.Is(err, repo.ErrUserNotFound) {
			return ErrNotFound
		}
		l.Error(event, "status", 500, "error", err)
		return err
	}
	return nil
}

// sendCode issues a fresh code and mails it. The code stays stored when
// delivery fails so the caller can retry through a resend.
func (s *AuthService) sendCode(ctx context.Context, l *slog.Logger, user *models.User, purpose otp.Purpose) error {
	code, err := s.Codes.Issue(ctx, user.ID, purpose)
	if err != nil {
		l.Error("code_issue_failed", "status", 500, "purpose", string(purpose), "error", err)
		return err
	}

	msg := notify.CodeMessage{Name: user.DisplayName(), Code: code, ValidFor: s.codeTTL().String()}
	subject, body := notify.ConfirmationSubject, ""
	if purpose == otp.PurposePasswordReset {
		subject = notify.PasswordResetSubject
		body, err = notify.PasswordResetBody(msg)
	} else {
		body, err = notify.ConfirmationBody(msg)
	}
	if err != nil {
		l.Error("code_render_failed", "status", 500, "error", err)
		return err
	}

	if err := s.Notifier.Send(ctx, user.Email, subject, body); err != nil {
		l.Warn("code_delivery_failed", "status", 502, "purpose", string(purpose), "error", err)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func codeError(l *slog.Logger, event string, err error) error {
	switch {
	case errors.Is(err, otp.ErrNotFound), errors.Is(err, otp.ErrMismatch), errors.Is(err, otp.ErrExpired):
		l.Warn(event, "status", 401, "reason", err.Error())
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	default:
		l.Error(event, "status", 500, "error", err)
		return err
	}
}

func (s *AuthService) publish(ctx context.Context, l *slog.Logger, typ string, user *models.User, role string) {
	if s.Events == nil {
		return
	}
	ev := events.Event{
		Type:   typ,
		UserID: user.ID.String(),
		Email:  user.Email,
		Role:   role,
		At:     s.now(),
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		l.Warn("event_publish_failed", "event", typ, "error", err)
	}
}

func (s *AuthService) observe(op string, start time.Time, err *error) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveOperation(op, outcome(*err), time.Since(start))
}

func (s *AuthService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AuthService) codeTTL() time.Duration {
	if s.CodeTTL > 0 {
		return s.CodeTTL
	}
	return otp.DefaultTTL
}

func (s *AuthService) defaultRole() string {
	if s.DefaultRole != "" {
		return s.DefaultRole
	}
	return DefaultRole
}

func (s *AuthService) roleAllowed(role string) bool {
	if len(s.RegistrableRoles) == 0 {
		return true
	}
	return slices.Contains(s.RegistrableRoles, role)
}
