// Package auth resolves inbound bearer tokens to a configured user against
// a static, config-loaded user table.
package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/berrors"
)

// FromRequest extracts the bearer token from r and resolves it to an
// enabled user. jwtSecret, if non-empty, enables an alternate JWT auth mode
// for tokens that look like a JWT.
func FromRequest(r *http.Request, cfg *config.Config, jwtSecret string) (*config.User, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, &berrors.AuthFailed{Reason: "missing bearer token"}
	}

	if jwtSecret != "" && looksLikeJWT(token) {
		return verifyJWT(token, jwtSecret, cfg)
	}

	user := cfg.UserByToken(token)
	if user == nil {
		return nil, &berrors.AuthFailed{Reason: "unknown token"}
	}
	return user, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func looksLikeJWT(token string) bool {
	return strings.HasPrefix(token, "eyJ")
}

// jwtClaims carries the user id a JWT-mode token was issued for.
type jwtClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

func verifyJWT(token, secret string, cfg *config.Config) (*config.User, error) {
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, &berrors.AuthFailed{Reason: "invalid jwt"}
	}

	user, ok := cfg.Users[claims.UserID]
	if !ok || !user.Enabled {
		return nil, &berrors.AuthFailed{Reason: "jwt references unknown user"}
	}
	return user, nil
}

// Authorize checks that user may address the given logical model.
func Authorize(user *config.User, model string) error {
	if !user.AllowsModel(model) {
		return &berrors.ModelNotAllowed{Model: model}
	}
	return nil
}
