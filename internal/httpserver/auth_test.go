package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Skotchmaster/auth_service/internal/cookie"
	"github.com/Skotchmaster/auth_service/internal/hash"
	"github.com/Skotchmaster/auth_service/internal/metrics"
	"github.com/Skotchmaster/auth_service/internal/middleware"
	"github.com/Skotchmaster/auth_service/internal/models"
	"github.com/Skotchmaster/auth_service/internal/otp"
	"github.com/Skotchmaster/auth_service/internal/repo"
	"github.com/Skotchmaster/auth_service/internal/service"
	"github.com/Skotchmaster/auth_service/internal/tokens"
)

const (
	alice    = "alice@example.com"
	password = "Secret#123"
)

var codeRe = regexp.MustCompile(`<strong>(\d{6})</strong>`)

type mailbox struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *mailbox) Send(_ context.Context, to, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if match := codeRe.FindStringSubmatch(body); len(match) == 2 {
		m.codes[to] = match[1]
	}
	return nil
}

func (m *mailbox) code(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[to]
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error { return errors.New("db down") }

type testServer struct {
	e    *echo.Echo
	mail *mailbox
	svc  *service.AuthService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))

	issuer, err := tokens.NewIssuer(tokens.Config{
		SigningKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "auth-test",
		Audience:   "shop",
		AccessTTL:  15 * time.Minute,
	})
	require.NoError(t, err)

	mail := &mailbox{codes: map[string]string{}}
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc := &service.AuthService{
		Users:    &repo.UserRepo{DB: db},
		Sessions: &repo.SessionRepo{DB: db},
		Codes:    otp.NewGenerator(&repo.CodeRepo{DB: db}, 0, 0),
		Tokens:   issuer,
		Hasher:   hash.NewMulti(hash.Bcrypt{Cost: bcrypt.MinCost}),
		Notifier: mail,
		Metrics:  collector,
	}

	e := echo.New()
	Register(e, &Deps{
		AuthHandler: &AuthHTTP{Svc: svc},
		Auth:        middleware.NewBearerAuth(issuer),
		Gatherer:    reg,
	})
	return &testServer{e: e, mail: mail, svc: svc}
}

func (s *testServer) do(t *testing.T, method, path string, body any, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(echo.HeaderAuthorization, "Bearer "+tok) }
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var out tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) registerConfirmed(t *testing.T) tokenResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "confirm_password": password,
		"first_name": "Alice", "last_name": "Liddell",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": s.mail.code(alice)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeTokens(t, rec)
}

func TestRegisterConfirmLoginFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "first_name": "Alice", "last_name": "Liddell",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": alice, "password": password})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": s.mail.code(alice)})
	require.Equal(t, http.StatusOK, rec.Code)
	confirmed := decodeTokens(t, rec)
	assert.NotEmpty(t, confirmed.AccessToken)
	assert.Equal(t, "user", confirmed.Role)

	rec = s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": alice, "password": password})
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	names := map[string]bool{}
	for _, c := range cookies {
		names[c.Name] = c.HttpOnly
	}
	assert.True(t, names[cookie.AccessToken])
	assert.True(t, names[cookie.RefreshToken])

	rec = s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": alice, "password": "Wrong#1234"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister_BadRequests(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{"email": alice})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "confirm_password": "other",
		"first_name": "A", "last_name": "B",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": "weak", "first_name": "A", "last_name": "B",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	raw := httptest.NewRecorder()
	s.e.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
}

func TestRegister_Duplicate(t *testing.T) {
	s := newTestServer(t)
	s.registerConfirmed(t)

	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "first_name": "A", "last_name": "B",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": "123456"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmEmail_BadCode(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "first_name": "A", "last_name": "B",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": "12ab56"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wrong := "999999"
	if s.mail.code(alice) == wrong {
		wrong = "100000"
	}
	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": wrong})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": "ghost@example.com", "code": "123456"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshAndLogout(t *testing.T) {
	s := newTestServer(t)
	first := s.registerConfirmed(t)

	rec := s.do(t, http.MethodPost, "/api/auth/refresh-token", echo.Map{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeTokens(t, rec)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh-token", echo.Map{"refresh_token": first.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh-token", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookie.RefreshToken, Value: second.RefreshToken})
	})
	require.Equal(t, http.StatusOK, rec.Code)
	third := decodeTokens(t, rec)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/logout", nil, bearer(third.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/auth/logout", nil, bearer(third.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh-token", echo.Map{"refresh_token": third.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func clearedCookies(rec *httptest.ResponseRecorder) map[string]bool {
	out := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			out[c.Name] = true
		}
	}
	return out
}

func TestRefresh_SupersededTokenKeepsCookies(t *testing.T) {
	s := newTestServer(t)
	first := s.registerConfirmed(t)

	rec := s.do(t, http.MethodPost, "/api/auth/refresh-token", echo.Map{"refresh_token": first.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/refresh-token", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookie.RefreshToken, Value: first.RefreshToken})
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestRefresh_ExpiredSessionClearsCookies(t *testing.T) {
	s := newTestServer(t)
	first := s.registerConfirmed(t)
	s.svc.Now = func() time.Time { return time.Now().Add(21 * 24 * time.Hour) }

	rec := s.do(t, http.MethodPost, "/api/auth/refresh-token", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: cookie.RefreshToken, Value: first.RefreshToken})
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	cleared := clearedCookies(rec)
	assert.True(t, cleared[cookie.AccessToken])
	assert.True(t, cleared[cookie.RefreshToken])
}

func TestMe(t *testing.T) {
	s := newTestServer(t)
	res := s.registerConfirmed(t)

	rec := s.do(t, http.MethodGet, "/api/auth/me", nil, bearer(res.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, res.UserID.String(), body["user_id"])
	assert.Equal(t, alice, body["email"])
	assert.Equal(t, "Alice Liddell", body["name"])
}

func TestPasswordFlows(t *testing.T) {
	s := newTestServer(t)
	res := s.registerConfirmed(t)
	const changed = "Chang3d!pw"
	const reset = "R3set!pw"

	rec := s.do(t, http.MethodPost, "/api/auth/change-password", echo.Map{"old_password": password, "new_password": password}, bearer(res.AccessToken))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/change-password", echo.Map{"old_password": "Wrong#1234", "new_password": changed}, bearer(res.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/change-password", echo.Map{"old_password": password, "new_password": changed}, bearer(res.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/forgot-password", echo.Map{"email": alice})
	require.Equal(t, http.StatusAccepted, rec.Code)
	code := s.mail.code(alice)

	rec = s.do(t, http.MethodPost, "/api/auth/reset-password", echo.Map{"email": alice, "code": code, "new_password": reset})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": alice, "password": changed})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": alice, "password": reset})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/forgot-password", echo.Map{"email": "ghost@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResendConfirmation(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/auth/register", echo.Map{
		"email": alice, "password": password, "first_name": "A", "last_name": "B",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/resend-confirmation", echo.Map{"email": alice})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/confirm-email", echo.Map{"email": alice, "code": s.mail.code(alice)})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/auth/resend-confirmation", echo.Map{"email": alice})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health/ready", nil).Code)

	s.do(t, http.MethodPost, "/api/auth/login", echo.Map{"email": "ghost@example.com", "password": password})
	rec := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `auth_operations_total{operation="login",outcome="not_found"} 1`)

	e := echo.New()
	Register(e, &Deps{AuthHandler: &AuthHTTP{}, Auth: &middleware.BearerAuth{}, Ready: failingPinger{}})
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	out := httptest.NewRecorder()
	e.ServeHTTP(out, req)
	assert.Equal(t, http.StatusServiceUnavailable, out.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		service.ErrNotFound:           http.StatusNotFound,
		service.ErrConflict:           http.StatusConflict,
		service.ErrInvalidCredentials: http.StatusUnauthorized,
		service.ErrInvalidToken:       http.StatusUnauthorized,
		service.ErrExpired:            http.StatusUnauthorized,
		service.ErrAlreadyConfirmed:   http.StatusConflict,
		service.ErrEmailNotConfirmed:  http.StatusForbidden,
		service.ErrSamePassword:       http.StatusUnprocessableEntity,
		service.ErrValidation:         http.StatusBadRequest,
		service.ErrDeliveryFailed:     http.StatusBadGateway,
		service.ErrRoleUnresolved:     http.StatusInternalServerError,
		errors.New("boom"):            http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}

	he := toHTTPError(errors.New("db password leaked"))
	assert.Equal(t, "internal server error", he.Message)
}
