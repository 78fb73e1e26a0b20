package mw

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator resolves callers from HS256 bearer tokens. The "sub" claim
// is the caller id and the optional "plan" claim selects the tier.
type Authenticator struct {
	HMACSecret []byte
}

func (a Authenticator) ValidateBearer(r *http.Request) (Identity, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return Identity{}, ErrMissingToken
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(token *jwt.Token) (any, error) {
		return a.HMACSecret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return Identity{}, errors.New("missing sub")
	}
	plan, _ := claims["plan"].(string)
	return Identity{CallerID: sub, Plan: plan}, nil
}
