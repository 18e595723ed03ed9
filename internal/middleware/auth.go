// Package middleware содержит HTTP middleware для сервиса стипендий.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const reviewerKey contextKey = "reviewer"

const (
	authCookieName = "reviewer_token"
	authCookieTTL  = 24 * time.Hour
)

// AuthMiddleware выполняет проверку аутентификации проверяющего по подписанному cookie.
type AuthMiddleware struct {
	secretKey []byte
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
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

// Middleware проверяет cookie авторизации и добавляет логин проверяющего в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(authCookieName)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		login, ok := a.parseCookie(cookie.Value)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), reviewerKey, login)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SetAuthCookie устанавливает cookie авторизации для указанного логина проверяющего.
func (a *AuthMiddleware) SetAuthCookie(w http.ResponseWriter, login string) {
	value := a.signLogin(login)

	cookie := &http.Cookie{
		Name:     authCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(authCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *AuthMiddleware) signLogin(login string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(login))
	signature := mac.Sum(nil)
	return login + "." + hex.EncodeToString(signature)
}

func (a *AuthMiddleware) parseCookie(cookieValue string) (string, bool) {
	// Логин может содержать точку, подпись всегда последняя.
	idx := strings.LastIndex(cookieValue, ".")
	if idx <= 0 {
		return "", false
	}

	login := cookieValue[:idx]
	signature := cookieValue[idx+1:]

	expected := a.signLogin(login)
	expectedSignature := expected[strings.LastIndex(expected, ".")+1:]

	if !hmac.Equal([]byte(signature), []byte(expectedSignature)) {
		return "", false
	}

	return login, true
}

// ReviewerFromRequest проверяет cookie авторизации без блокировки запроса.
// Используется для маршрутов, отвечающих и анонимным клиентам.
func (a *AuthMiddleware) ReviewerFromRequest(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(authCookieName)
	if err != nil {
		return "", false
	}
	return a.parseCookie(cookie.Value)
}

// GetReviewerFromContext извлекает логин проверяющего из контекста запроса.
func GetReviewerFromContext(ctx context.Context) (string, bool) {
	login, ok := ctx.Value(reviewerKey).(string)
	return login, ok
}
