// Package middleware содержит HTTP middleware сервиса стейкинга.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type contextKey string

const accountKey contextKey = "account"

const (
	authCookieName = "auth_token"
	authCookieTTL  = 24 * time.Hour
)

var (
	// ErrNoCredentials возвращается, если в контексте нет аутентифицированного аккаунта.
	ErrNoCredentials = errors.New("no credentials")
	// ErrPrincipalMismatch возвращается, если вызывающий не совпадает с требуемым аккаунтом.
	ErrPrincipalMismatch = errors.New("principal mismatch")
)

// AuthMiddleware выполняет проверку аутентификации по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
// При пустом секрете генерируется случайный ключ: cookie не переживут перезапуск.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// Middleware проверяет cookie авторизации и добавляет адрес аккаунта в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		account, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного аккаунта.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, account common.Address) {
	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    a.sign(account.Hex()),
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) sign(value string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(value))
	return value + "." + hex.EncodeToString(mac.Sum(nil))
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (common.Address, bool) {
	value, signature, found := strings.Cut(cookieValue, ".")
	if !found {
		return common.Address{}, false
	}

	_, expected, _ := strings.Cut(a.sign(value), ".")
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return common.Address{}, false
	}

	if !common.IsHexAddress(value) {
		return common.Address{}, false
	}

	return common.HexToAddress(value), true
}

// WithAccount возвращает контекст с аутентифицированным аккаунтом.
func WithAccount(ctx context.Context, account common.Address) context.Context {
	return context.WithValue(ctx, accountKey, account)
}

// GetAccountFromContext извлекает адрес аккаунта из контекста запроса.
func GetAccountFromContext(ctx context.Context) (common.Address, bool) {
	account, ok := ctx.Value(accountKey).(common.Address)
	return account, ok
}

// ContextAuthorizer подтверждает полномочия по аккаунту, положенному в контекст
// middleware аутентификации.
type ContextAuthorizer struct{}

// RequireAuth проверяет, что вызывающий совпадает с principal.
func (ContextAuthorizer) RequireAuth(ctx context.Context, principal common.Address) error {
	account, ok := GetAccountFromContext(ctx)
	if !ok {
		return ErrNoCredentials
	}
	if account != principal {
		return ErrPrincipalMismatch
	}
	return nil
}
