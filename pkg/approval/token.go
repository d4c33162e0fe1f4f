package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/openclaw/warden/pkg/contracts"
)

// tokenType marks decision tokens so adapter auth tokens can never pass as
// one, even though both are HMAC JWTs over shared secrets.
const tokenType = "decision_token"

var (
	ErrTokenInvalid = errors.New("decision token invalid")
	ErrTokenExpired = errors.New("decision token expired")
)

// DecisionClaims binds an approval to exactly one execution. Verification
// rejects any mismatch between the claims and the stored decision record.
type DecisionClaims struct {
	jwt.RegisteredClaims
	Type         string                  `json:"typ"`
	TenantID     string                  `json:"tenant_id"`
	WorkspaceID  string                  `json:"workspace_id,omitempty"`
	AdapterID    string                  `json:"adapter_id"`
	ExecutionID  string                  `json:"execution_id"`
	DecisionID   string                  `json:"decision_id"`
	GrantedScope *contracts.GrantedScope `json:"granted_scope,omitempty"`
}

// TokenIssuer mints and verifies HMAC-SHA256 decision tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (i *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	i.clock = clock
	return i
}

// Mint signs a single-use token for an approved decision. The JTI is stored
// on the decision record so consumption can be compare-and-set.
func (i *TokenIssuer) Mint(d *contracts.DecisionRecord, scope *contracts.GrantedScope) (token, jti string, err error) {
	now := i.clock().UTC()
	jti = uuid.NewString()
	claims := DecisionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   d.ExecutionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			Issuer:    "warden",
		},
		Type:         tokenType,
		TenantID:     d.TenantID,
		WorkspaceID:  d.WorkspaceID,
		AdapterID:    d.AdapterID,
		ExecutionID:  d.ExecutionID,
		DecisionID:   d.DecisionID,
		GrantedScope: scope,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", "", fmt.Errorf("sign decision token: %w", err)
	}
	return token, jti, nil
}

// Verify checks signature, expiry and token type.
func (i *TokenIssuer) Verify(tokenString string) (*DecisionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DecisionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.clock() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*DecisionClaims)
	if !ok || !token.Valid || claims.Type != tokenType {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
