package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated means no valid principal was presented
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the principal's role does not allow the operation
	ErrForbidden = errors.New("forbidden")
)

// Role is a dashboard user role
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Principal is an authenticated caller
type Principal struct {
	Username string
	Role     Role
}

// CanResolveAlert reports whether p may mark alerts resolved
func (p Principal) CanResolveAlert() bool {
	return p.Role == RoleAdmin || p.Role == RoleEditor
}

// CanEditReadings reports whether p may submit manual readings or toggle
// the manual-override flag
func (p Principal) CanEditReadings() bool {
	return p.Role == RoleAdmin || p.Role == RoleEditor
}

// CanSetActiveBroker reports whether p may switch the active broker
func (p Principal) CanSetActiveBroker() bool {
	return p.Role == RoleAdmin
}

// Manager issues and validates HS256 tokens
type Manager struct {
	secret  []byte
	timeout time.Duration
}

// NewManager creates a token manager. An empty secret is rejected.
func NewManager(secret string, timeout time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), timeout: timeout}, nil
}

// GenerateToken signs a token for username with role
func (m *Manager) GenerateToken(username string, role Role) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.timeout)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a signed token
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if !claims.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	return claims, nil
}

// Authenticate extracts the principal from a bearer token on r
func (m *Manager) Authenticate(r *http.Request) (*Principal, error) {
	if m == nil {
		return nil, ErrUnauthenticated
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := m.ValidateToken(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &Principal{Username: claims.Username, Role: claims.Role}, nil
}

type contextKey struct{}

// WithPrincipal stores p on ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the principal stored on ctx, if any
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}
