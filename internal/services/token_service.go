package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prudhvinik1/tenantsync/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

const tenantClaim = "tenant_id"

// TokenService resolves the bearer tokens issued by the account service into
// sync identities.
type TokenService struct {
	jwtSecret string
	jwtExpiry time.Duration
}

func NewTokenService(jwtSecret string, jwtExpiry time.Duration) *TokenService {
	return &TokenService{
		jwtSecret: jwtSecret,
		jwtExpiry: jwtExpiry,
	}
}

// IssueToken signs a token for the identity. The account service mints
// tokens the same way; the sync server uses it for tooling and tests.
func (s *TokenService) IssueToken(identity models.Identity) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": identity.UserID,
		"iat": now.Unix(),
		"exp": now.Add(s.jwtExpiry).Unix(),
	}
	if identity.TenantID != "" {
		claims[tenantClaim] = identity.TenantID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates the token and extracts the caller. A token without
// a tenant claim is valid but yields an identity with an empty TenantID.
func (s *TokenService) VerifyToken(tokenString string) (*models.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, ErrInvalidToken
	}

	// Tenant is optional at this layer
	tenantID, _ := claims[tenantClaim].(string)

	return &models.Identity{
		TenantID: tenantID,
		UserID:   userID,
	}, nil
}
