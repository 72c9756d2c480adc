// Package api implements the Manager's HTTP surface (spec.md §6): the
// Worker↔Manager lease endpoint and the read-only catalog APIs, behind
// bearer-token worker authentication. Router/middleware shape and JWT
// handling grounded on the teacher's src/api/router.go and
// src/api/auth_service.go (golang-jwt/jwt/v5 HS256 claims,
// golang.org/x/crypto/bcrypt-hashed API keys), adapted from
// user-session auth to per-worker API-key authentication.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Authentication errors.
var (
	ErrTokenInvalid    = errors.New("token invalid")
	ErrWorkerUnknown   = errors.New("worker unknown")
	ErrAPIKeyMismatch  = errors.New("api key mismatch")
)

// WorkerClaims identifies the worker a bearer token was issued to.
type WorkerClaims struct {
	WorkerID string `json:"worker_id"`
	jwt.RegisteredClaims
}

// AuthService issues and validates worker bearer tokens, and stores
// bcrypt-hashed worker API keys used to obtain them.
type AuthService struct {
	secret     []byte
	expiration time.Duration

	mu      sync.RWMutex
	workers map[string]string // worker id -> bcrypt hash
}

// NewAuthService returns an AuthService signing HS256 tokens with
// secret, valid for expiration.
func NewAuthService(secret string, expiration time.Duration) *AuthService {
	if expiration <= 0 {
		expiration = time.Hour
	}
	return &AuthService{
		secret:     []byte(secret),
		expiration: expiration,
		workers:    make(map[string]string),
	}
}

// RegisterWorker stores a bcrypt hash of apiKey for workerID,
// replacing any previous key.
func (s *AuthService) RegisterWorker(workerID, apiKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("api: hash worker api key: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = string(hash)
	return nil
}

// IssueToken exchanges a worker's API key for a signed bearer token.
func (s *AuthService) IssueToken(workerID, apiKey string) (string, error) {
	s.mu.RLock()
	hash, ok := s.workers[workerID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrWorkerUnknown
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)); err != nil {
		return "", ErrAPIKeyMismatch
	}

	now := time.Now()
	claims := WorkerClaims{
		WorkerID: workerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiration)),
			Subject:   workerID,
			Issuer:    "corepipe-manager",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and verifies a bearer token, returning its claims.
func (s *AuthService) Validate(tokenString string) (*WorkerClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &WorkerClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrTokenInvalid
	}
	claims, ok := token.Claims.(*WorkerClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

type ctxKey string

const workerIDKey ctxKey = "corepipe.worker_id"

// AuthMiddleware guards a handler with bearer-token worker
// authentication, rejecting requests with a missing or invalid
// "Authorization: Bearer <token>" header before the handler runs.
func AuthMiddleware(auth *AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(header, prefix)
			claims, err := auth.Validate(token)
			if err != nil {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), workerIDKey, claims.WorkerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WorkerIDFromContext returns the authenticated worker id stashed by
// AuthMiddleware, if any.
func WorkerIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workerIDKey).(string)
	return id, ok
}

// constantTimeEqual compares two strings without leaking timing
// information, for comparing a raw (unhashed) shared secret. Nothing
// in this package calls it.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
