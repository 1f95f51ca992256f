package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	adminIssuer        = "tenant-governor"
	defaultTokenExpiry = 12 * time.Hour
)

var errMissingSecret = errors.New("security: missing jwt secret")

// AdminClaims are the claims carried by an admin token.
type AdminClaims struct {
	Permissions []string `json:"permissions,omitempty"`
	SuperAdmin  bool     `json:"super_admin,omitempty"`
	jwt.RegisteredClaims
}

// GenerateAdminToken signs an HS256 admin token for subject.
func GenerateAdminToken(secret, subject string, permissions []string, superAdmin bool, expiry time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errMissingSecret
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("security: missing subject")
	}
	if expiry <= 0 {
		expiry = defaultTokenExpiry
	}
	claims := AdminClaims{
		Permissions: permissions,
		SuperAdmin:  superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    adminIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	signed, errSign := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if errSign != nil {
		return "", fmt.Errorf("security: sign token: %w", errSign)
	}
	return signed, nil
}

// ParseAdminToken verifies token and returns its claims.
func ParseAdminToken(secret, token string) (*AdminClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errMissingSecret
	}
	claims := &AdminClaims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(adminIssuer),
		jwt.WithExpirationRequired(),
	)
	if errParse != nil {
		return nil, fmt.Errorf("security: parse token: %w", errParse)
	}
	if !parsed.Valid {
		return nil, errors.New("security: invalid token")
	}
	return claims, nil
}
