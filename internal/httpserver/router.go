package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skotchmaster/auth_service/internal/metrics"
	"github.com/Skotchmaster/auth_service/internal/middleware"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	AuthHandler *AuthHTTP
	Auth        *middleware.BearerAuth
	RateLimiter *middleware.RateLimiter
	Gatherer    prometheus.Gatherer
	Ready       Pinger
}

func Register(e *echo.Echo, d *Deps) {
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/ready", func(c echo.Context) error {
		if d.Ready == nil {
			return c.NoContent(http.StatusOK)
		}
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := d.Ready.PingContext(ctx); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "not ready").SetInternal(err)
		}
		return c.NoContent(http.StatusOK)
	})
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(d.Gatherer)))
	}

	api := e.Group("/api/auth")
	if d.RateLimiter != nil {
		api.Use(d.RateLimiter.Middleware())
	}

	api.POST("/register", d.AuthHandler.Register)
	api.POST("/confirm-email", d.AuthHandler.ConfirmEmail)
	api.POST("/resend-confirmation", d.AuthHandler.ResendConfirmation)
	api.POST("/login", d.AuthHandler.Login)
	api.POST("/forgot-password", d.AuthHandler.ForgotPassword)
	api.POST("/reset-password", d.AuthHandler.ResetPassword)
	api.POST("/refresh-token", d.AuthHandler.Refresh)

	private := api.Group("")
	private.Use(d.Auth.RequireAuth)

	private.POST("/logout", d.AuthHandler.LogOut)
	private.POST("/change-password", d.AuthHandler.ChangePassword)
	private.GET("/me", d.AuthHandler.Me)
}
