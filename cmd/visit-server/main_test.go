package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/visitflow/internal/config"
	"github.com/ehr/visitflow/internal/domain/visit"
	"github.com/ehr/visitflow/internal/platform/auth"
	"github.com/ehr/visitflow/internal/platform/db"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	want := map[string][]string{
		"serve":   nil,
		"migrate": {"up", "status"},
		"tenant":  {"create"},
		"routing": {"check", "print"},
	}
	for name, subs := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
		for _, sub := range subs {
			c, _, err := root.Find([]string{name, sub})
			require.NoError(t, err, name+" "+sub)
			assert.Equal(t, sub, c.Name())
		}
	}

	up, _, _ := root.Find([]string{"migrate", "up"})
	assert.NotNil(t, up.Flags().Lookup("tenant"))
	create, _, _ := root.Find([]string{"tenant", "create"})
	assert.NotNil(t, create.Flags().Lookup("name"))
}

func TestRoutingCheck_Default(t *testing.T) {
	out, err := execute(t, "routing", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "40 transitions")
	assert.Contains(t, out, "front_desk")
	assert.NotContains(t, out, "completed                ->")
}

func TestRoutingCheck_ShippedFileMatchesDefault(t *testing.T) {
	out, err := execute(t, "routing", "check", "--file", filepath.Join("..", "..", "configs", "routing.yaml"))
	require.NoError(t, err)

	def, err := execute(t, "routing", "check")
	require.NoError(t, err)
	assert.Equal(t, def, out)
}

func TestRoutingCheck_CustomFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	data := `transitions:
  front_desk: [nurse]
  nurse: [doctor]
  doctor: [pharmacy, completed]
  lab: [doctor]
  pharmacy: [completed]
  billing: [completed]
  returned_to_front_desk: [completed]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	out, err := execute(t, "routing", "check", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "8 transitions")
}

func TestRoutingCheck_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routing.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transitions:\n  completed: [nurse]\n"), 0o600))

	_, err := execute(t, "routing", "check", "--file", path)
	assert.Error(t, err)

	_, err = execute(t, "routing", "check", "--file", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestRoutingPrint(t *testing.T) {
	out, err := execute(t, "routing", "print")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "transitions:"), out)
	assert.Contains(t, out, "front_desk:")
	assert.Contains(t, out, "returned_to_front_desk:")
}

func TestTenantCreate_RequiresName(t *testing.T) {
	_, err := execute(t, "tenant", "create")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--name is required")

	_, err = execute(t, "tenant", "create", "--name", "Bad-Name")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tenant identifier")
}

// whoami echoes the authenticated staff id.
func whoami(c echo.Context) error {
	return c.String(http.StatusOK, auth.UserIDFromContext(c.Request().Context()))
}

func serveWith(mw echo.MiddlewareFunc, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	e.GET("/me", whoami, mw)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddleware_Development(t *testing.T) {
	mw, err := authMiddleware(&config.Config{Env: "development"})
	require.NoError(t, err)

	rec := serveWith(mw, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, devStaffID, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(auth.DevStaffHeader, "nurse-1")
	rec = serveWith(mw, req)
	assert.Equal(t, "nurse-1", rec.Body.String())
}

func TestAuthMiddleware_SharedKey(t *testing.T) {
	key := strings.Repeat("k", 32)
	cfg := &config.Config{Env: "production", AuthSigningKey: key, AuthIssuer: "https://auth.clinic.test"}
	require.Equal(t, "shared_key", cfg.ResolvedAuthMode())

	mw, err := authMiddleware(cfg)
	require.NoError(t, err)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "doc-1",
			Issuer:    "https://auth.clinic.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "accra",
		Roles:    []string{auth.RolePhysician},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := serveWith(mw, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doc-1", rec.Body.String())

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	assert.Equal(t, http.StatusUnauthorized, serveWith(mw, req).Code)

	assert.Equal(t, http.StatusUnauthorized,
		serveWith(mw, httptest.NewRequest(http.MethodGet, "/me", nil)).Code)
}

func TestAuthMiddleware_UnknownMode(t *testing.T) {
	_, err := authMiddleware(&config.Config{AuthMode: "basic"})
	assert.Error(t, err)
}

func TestHealthChecks_NoRedis(t *testing.T) {
	assert.Nil(t, healthChecks(nil))
}

type staffStub map[string]visit.StaffRef

func (s staffStub) LookupStaff(_ context.Context, id string) (*visit.StaffRef, error) {
	ref, ok := s[id]
	if !ok {
		return nil, visit.ErrNotFound
	}
	return &ref, nil
}

func TestStreamTopics(t *testing.T) {
	resolve := streamTopics(staffStub{"nurse-1": {ID: "nurse-1", BranchID: "kumasi"}}, "visitflow")

	topics, err := resolve(db.WithTenant(context.Background(), "osu"), "nurse-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"visitflow:osu:staff:nurse-1", "visitflow:osu:branch:kumasi"}, topics)

	_, err = resolve(context.Background(), "ghost")
	assert.ErrorIs(t, err, visit.ErrNotFound)
}
