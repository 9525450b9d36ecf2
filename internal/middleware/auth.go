// Package middleware содержит HTTP middleware сервиса storefront.
package middleware

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const claimsKey contextKey = "authClaims"

const (
	accessTokenTTL  = 2 * time.Hour
	refreshTokenTTL = 7 * 24 * time.Hour
)

// Claims описывает содержимое JWT-токена.
type Claims struct {
	UserID  int64 `json:"uid"`
	IsAdmin bool  `json:"adm"`
	Refresh bool  `json:"rfs,omitempty"`
	jwt.RegisteredClaims
}

// Auth выпускает и проверяет JWT-токены доступа и обновления.
type Auth struct {
	secretKey []byte
}

// NewAuth создаёт новый экземпляр Auth с указанным секретным ключом.
func NewAuth(secret string) *Auth {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &Auth{
		secretKey: key,
	}
}

// GenerateAccessToken выпускает токен доступа для указанного пользователя.
func (a *Auth) GenerateAccessToken(userID int64, isAdmin bool) (string, error) {
	return a.sign(Claims{
		UserID:  userID,
		IsAdmin: isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(accessTokenTTL)),
		},
	})
}

// GenerateRefreshToken выпускает токен обновления для указанного пользователя.
// Токен обновления не принимается защищёнными маршрутами.
func (a *Auth) GenerateRefreshToken(userID int64) (string, error) {
	return a.sign(Claims{
		UserID:  userID,
		Refresh: true,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(refreshTokenTTL)),
		},
	})
}

// ParseRefreshToken проверяет токен обновления и возвращает идентификатор пользователя.
func (a *Auth) ParseRefreshToken(token string) (int64, error) {
	claims, err := a.parse(token)
	if err != nil {
		return 0, err
	}
	if !claims.Refresh {
		return 0, errors.New("not a refresh token")
	}
	return claims.UserID, nil
}

func (a *Auth) sign(claims Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (a *Auth) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Middleware проверяет заголовок Authorization и добавляет данные
// пользователя в контекст запроса.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			writeEnvelopeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		claims, err := a.parse(token)
		if err != nil || claims.Refresh {
			writeEnvelopeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly пропускает только администраторов. Ставится после Middleware.
func (a *Auth) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			writeEnvelopeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if !claims.IsAdmin {
			writeEnvelopeError(w, http.StatusForbidden, "Only admins can perform this action")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetClaimsFromContext извлекает данные пользователя из контекста запроса.
func GetClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*Claims)
	return claims, ok
}

// writeEnvelopeError пишет ошибку в стандартном конверте API.
func writeEnvelopeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "error",
		"statuscode": code,
		"data":       map[string]string{"Result": msg},
	})
}
