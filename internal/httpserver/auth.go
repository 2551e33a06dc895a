package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/auth_service/internal/cookie"
	"github.com/Skotchmaster/auth_service/internal/logging"
	"github.com/Skotchmaster/auth_service/internal/middleware"
	"github.com/Skotchmaster/auth_service/internal/service"
)

type validatable interface {
	Validate() error
}

type AuthHTTP struct {
	Svc *service.AuthService
}

func (h *AuthHTTP) Register(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_register")

	var req registerRequest
	if err := bindAndValidate(c, &req); err != nil {
		l.Warn("register_error", "status", 400, "error", err)
		return err
	}

	err := h.Svc.Register(ctx, service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"email":   req.Email,
		"message": "confirmation code sent",
	})
}

func (h *AuthHTTP) ResendConfirmation(c echo.Context) error {
	ctx := c.Request().Context()

	var req emailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.Svc.ResendConfirmation(ctx, req.Email); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"message": "confirmation code sent"})
}

func (h *AuthHTTP) ConfirmEmail(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_confirm_email")

	var req confirmEmailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	res, err := h.Svc.ConfirmEmail(ctx, req.Email, req.Code)
	if err != nil {
		return toHTTPError(err)
	}

	setSessionCookies(c, res)
	l.Info("confirm_successful")
	return c.JSON(http.StatusOK, newTokenResponse(res))
}

func (h *AuthHTTP) Login(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_login")

	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		l.Warn("login_error", "status", 400, "error", err)
		return err
	}
	res, err := h.Svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return toHTTPError(err)
	}

	setSessionCookies(c, res)
	l.Info("login_successful")
	return c.JSON(http.StatusOK, newTokenResponse(res))
}

func (h *AuthHTTP) LogOut(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_logout")

	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}
	if err := h.Svc.Logout(ctx, userID); err != nil {
		l.Error("logout_failed", "status", 500, "reason", "cannot drop session", "error", err)
		return toHTTPError(err)
	}

	clearSessionCookies(c)
	l.Info("successful_logout")
	return c.JSON(http.StatusOK, echo.Map{"message": "logged out"})
}

// ChangePassword acts on the account of the bearer token.
func (h *AuthHTTP) ChangePassword(c echo.Context) error {
	ctx := c.Request().Context()

	claims, ok := middleware.Claims(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}
	var req changePasswordRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.Svc.ChangePassword(ctx, claims.Email, req.OldPassword, req.NewPassword); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password changed"})
}

func (h *AuthHTTP) ForgotPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req emailRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.Svc.ForgotPassword(ctx, req.Email); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{"message": "reset code sent"})
}

func (h *AuthHTTP) ResetPassword(c echo.Context) error {
	ctx := c.Request().Context()

	var req resetPasswordRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.Svc.ResetPassword(ctx, req.Email, req.Code, req.NewPassword); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "password reset"})
}

// Refresh takes the refresh token from the body, falling back to the cookie.
// Cookies are cleared only when the session itself is gone or expired.
func (h *AuthHTTP) Refresh(c echo.Context) error {
	ctx := c.Request().Context()
	l := logging.FromContext(ctx).With("handler", "auth_refresh")

	var req refreshRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
		}
	}
	if req.RefreshToken == "" {
		if ck, err := c.Cookie(cookie.RefreshToken); err == nil {
			req.RefreshToken = ck.Value
		}
	}
	if req.RefreshToken == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing refresh token")
	}

	res, err := h.Svc.RefreshToken(ctx, req.RefreshToken)
	if err != nil {
		// A superseded token usually means a parallel refresh won; its fresh
		// cookies must survive this response.
		if errors.Is(err, service.ErrExpired) || errors.Is(err, service.ErrNotFound) {
			clearSessionCookies(c)
		}
		return toHTTPError(err)
	}

	setSessionCookies(c, res)
	l.Info("refresh_successful")
	return c.JSON(http.StatusOK, newTokenResponse(res))
}

func (h *AuthHTTP) Me(c echo.Context) error {
	claims, ok := middleware.Claims(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}
	return c.JSON(http.StatusOK, echo.Map{
		"user_id": claims.Subject,
		"name":    claims.Name,
		"email":   claims.Email,
		"role":    claims.Role,
	})
}

func bindAndValidate(c echo.Context, req validatable) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func setSessionCookies(c echo.Context, res *service.LoginResult) {
	c.SetCookie(cookie.Create(cookie.AccessToken, res.AccessToken, "/", res.AccessExp))
	c.SetCookie(cookie.Create(cookie.RefreshToken, res.RefreshToken, "/", res.RefreshExp))
}

func clearSessionCookies(c echo.Context) {
	c.SetCookie(cookie.Delete(cookie.AccessToken, "/"))
	c.SetCookie(cookie.Delete(cookie.RefreshToken, "/"))
}
