package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stemsi/exstem-proctor/internal/config"
)

// Role is the dashboard role carried in a bearer token.
type Role string

const (
	RoleStudent    Role = "student"
	RoleFaculty    Role = "faculty"
	RoleHOD        Role = "hod"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is a role the platform issues.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleFaculty, RoleHOD, RoleSuperAdmin:
		return true
	}
	return false
}

// StaffRoles may watch the live monitor.
var StaffRoles = []Role{RoleFaculty, RoleHOD, RoleSuperAdmin}

// Claims extends JWT standard claims with the fields the quiz platform issues.
type Claims struct {
	jwt.RegisteredClaims
	Role   Role  `json:"role"`
	UserID int64 `json:"user_id"`
}

// AuthService validates bearer tokens issued by the quiz platform. Token
// issuance belongs to the platform; GenerateToken exists for tooling and tests.
type AuthService struct {
	secret []byte
	expiry time.Duration
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret), expiry: cfg.JWTExpiry}
}

// GenerateToken signs a token for userID with role.
func (s *AuthService) GenerateToken(userID int64, role Role) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
		Role:   role,
		UserID: userID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID <= 0 || claims.Role == "" {
		return nil, errors.New("token missing user_id or role")
	}

	return claims, nil
}

// HasRole reports whether the claims carry one of roles.
func (c *Claims) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if c.Role == r {
			return true
		}
	}
	return false
}

// PeekClaims decodes a token without checking its signature. Hosts that do
// not hold the signing secret use it to label logs; never authorize with it.
func PeekClaims(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}
