package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/marionet/internal/interfaces"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Service verifies HMAC-signed bearer tokens issued by the account system.
type Service struct {
	secret []byte
	logger arbor.ILogger
}

func NewService(secret string, logger arbor.ILogger) (*Service, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Service{secret: []byte(secret), logger: logger}, nil
}

// Verify checks the token signature and expiry and extracts the identity.
func (s *Service) Verify(token string) (*interfaces.Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		// Some token issuers use "id" instead of the subject claim
		userID, _ = claims["id"].(string)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: no subject claim", ErrInvalidToken)
	}
	email, _ := claims["email"].(string)

	return &interfaces.Claims{UserID: userID, Email: email}, nil
}
