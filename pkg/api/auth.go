package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// adapterTokenType marks adapter auth tokens so a decision token can never
// pass as one, even though both are HMAC JWTs over shared secrets.
const adapterTokenType = "adapter_token"

// ErrAdapterTokenInvalid covers every verification failure of an adapter
// token. Callers treat all of them the same: the request is unauthenticated.
var ErrAdapterTokenInvalid = errors.New("adapter token invalid")

// AdapterClaims identifies the calling adapter on every request.
type AdapterClaims struct {
	jwt.RegisteredClaims
	Type        string `json:"typ"`
	TenantID    string `json:"tenant_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	AdapterID   string `json:"adapter_id"`
}

// MintAdapterToken signs an adapter auth token with the shared secret. The
// gateway CLI and the adapter SDK both use this; there is no central token
// service in a single-tenant deployment.
func MintAdapterToken(secret []byte, tenantID, workspaceID, adapterID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &AdapterClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "warden",
			Subject:   adapterID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:        adapterTokenType,
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		AdapterID:   adapterID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign adapter token: %w", err)
	}
	return token, nil
}

// VerifyAdapterToken parses and validates an adapter auth token.
func VerifyAdapterToken(secret []byte, tokenString string) (*AdapterClaims, error) {
	claims := &AdapterClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrAdapterTokenInvalid
	}
	if claims.Type != adapterTokenType || claims.AdapterID == "" || claims.TenantID == "" {
		return nil, ErrAdapterTokenInvalid
	}
	return claims, nil
}
