package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
)

func request(t *testing.T, a *Authenticator, claims map[string]any) *http.Request {
	t.Helper()
	token, err := a.Encrypt(claims)
	assert.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/ws/auction", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	return r
}

func TestUserFromRequest(t *testing.T) {
	a, err := New("test-secret")
	assert.NoError(t, err)

	r := request(t, a, map[string]any{
		"sub":      "user-1",
		"email":    "comprador@example.com",
		"tenantId": "tenant-1",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	user, err := a.UserFromRequest(r)
	assert.NoError(t, err)
	check.Equal(t, "user-1", user.ID)
	check.Equal(t, "tenant-1", user.TenantID)
	check.Equal(t, "comprador@example.com", user.Email)
}

func TestUserFromRequest_BearerHeader(t *testing.T) {
	a, err := New("test-secret")
	assert.NoError(t, err)
	token, err := a.Encrypt(map[string]any{"sub": "user-1", "tenantId": "tenant-1"})
	assert.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/api/lots/l1", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	user, err := a.UserFromRequest(r)
	assert.NoError(t, err)
	check.Equal(t, "user-1", user.ID)
}

func TestUserFromRequest_Rejects(t *testing.T) {
	a, err := New("test-secret")
	assert.NoError(t, err)

	_, err = a.UserFromRequest(httptest.NewRequest(http.MethodGet, "/", nil))
	check.Equal(t, errors.ErrUnauthorized, errors.CodeOf(err))

	// no tenant claim
	_, err = a.UserFromRequest(request(t, a, map[string]any{"sub": "user-1"}))
	check.Equal(t, errors.ErrInvalidToken, errors.CodeOf(err))

	// expired
	_, err = a.UserFromRequest(request(t, a, map[string]any{
		"sub": "user-1", "tenantId": "tenant-1", "exp": time.Now().Add(-time.Hour).Unix(),
	}))
	check.Equal(t, errors.ErrInvalidToken, errors.CodeOf(err))

	// encrypted with another secret
	other, err := New("other-secret")
	assert.NoError(t, err)
	_, err = a.UserFromRequest(request(t, other, map[string]any{"sub": "user-1", "tenantId": "tenant-1"}))
	check.Equal(t, errors.ErrInvalidToken, errors.CodeOf(err))
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("")
	check.Error(t, err)
}
