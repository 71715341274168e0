package auth

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/crypto/hkdf"

	"github.com/Martin-Hayot/leilao-server/pkg/errors"
	"github.com/Martin-Hayot/leilao-server/pkg/types"
)

const SessionCookie = "authjs.session-token"

// Authenticator reads the encrypted session token issued by the web app.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func New(secret string) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New(errors.ErrInternalServer, "AUTH_SECRET not set")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

func (a *Authenticator) encryptionKey() ([]byte, error) {
	salt := SessionCookie
	info := fmt.Sprintf("Auth.js Generated Encryption Key (%s)", salt)

	// HKDF with SHA-256
	kdf := hkdf.New(sha256.New, a.secret, []byte(salt), []byte(info))

	key := make([]byte, 64)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate key")
	}
	return key, nil
}

// JweToJwt decrypts the session JWE and re-signs its claims as an HS256 JWT.
func (a *Authenticator) JweToJwt(encryptedToken string) (string, error) {
	key, err := a.encryptionKey()
	if err != nil {
		return "", errors.Wrap(err, "failed to generate encryption key")
	}

	decrypted, err := jwe.Decrypt([]byte(encryptedToken), jwe.WithKey(jwa.DIRECT(), key))
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt JWE")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(decrypted, &payload); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal decrypted payload")
	}

	token := jwt.New()
	for k, v := range payload {
		if err := token.Set(k, v); err != nil {
			return "", errors.Wrap(err, "invalid claim "+k)
		}
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256(), a.secret))
	if err != nil {
		return "", errors.Wrap(err, "failed to sign JWT")
	}
	return string(signed), nil
}

// Encrypt builds a session token carrying claims, the way the web app does.
func (a *Authenticator) Encrypt(claims map[string]any) (string, error) {
	key, err := a.encryptionKey()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal claims")
	}
	out, err := jwe.Encrypt(payload,
		jwe.WithKey(jwa.DIRECT(), key),
		jwe.WithContentEncryption(jwa.A256CBC_HS512()))
	if err != nil {
		return "", errors.Wrap(err, "failed to encrypt session")
	}
	return string(out), nil
}

func (a *Authenticator) ValidateToken(raw string) (jwt.Token, error) {
	jwtString, err := a.JweToJwt(raw)
	if err != nil {
		log.Error("Failed to convert JWE to JWT", "error", err)
		return nil, &errors.AppError{Code: errors.ErrInvalidToken, Message: "invalid session token", Err: err}
	}

	token, err := jwt.Parse([]byte(jwtString),
		jwt.WithKey(jwa.HS256(), a.secret),
		jwt.WithValidate(true))
	if err != nil {
		return nil, &errors.AppError{Code: errors.ErrInvalidToken, Message: "failed to validate token", Err: err}
	}

	if exp, ok := token.Expiration(); ok && exp.Before(a.now()) {
		return nil, errors.New(errors.ErrInvalidToken, "session token expired")
	}
	return token, nil
}

// tokenFromRequest takes the session cookie, falling back to a bearer header.
func tokenFromRequest(r *http.Request) (string, bool) {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value, true
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	return "", false
}

// UserFromRequest validates the caller's session and returns who they are.
// The token must name the user (sub) and the tenant (tenantId).
func (a *Authenticator) UserFromRequest(r *http.Request) (types.User, error) {
	raw, ok := tokenFromRequest(r)
	if !ok {
		return types.User{}, errors.New(errors.ErrUnauthorized, "missing session token")
	}
	token, err := a.ValidateToken(raw)
	if err != nil {
		return types.User{}, err
	}

	var user types.User
	if sub, ok := token.Subject(); ok {
		user.ID = sub
	}
	_ = token.Get("email", &user.Email)
	_ = token.Get("name", &user.Name)
	_ = token.Get("role", &user.Role)
	_ = token.Get("tenantId", &user.TenantID)

	if user.ID == "" || user.TenantID == "" {
		return types.User{}, errors.New(errors.ErrInvalidToken, "session token lacks user or tenant")
	}
	return user, nil
}
