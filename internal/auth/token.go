package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the signed cookie payload. The token ID is the server-side
// session row, so revoking the row revokes the token.
type Claims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 24 * time.Hour,
		Issuer: "sandbox-hypervisor",
	}
}

func CreateToken(sessionID, userID string, issuedAt time.Time, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if sessionID == "" {
		return "", errors.New("missing sessionID")
	}
	if userID == "" {
		return "", errors.New("missing userID")
	}
	if cfg.Expiry <= 0 {
		return "", errors.New("invalid expiry")
	}

	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(cfg.Expiry)),
			ID:        sessionID,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

// VerifyToken checks the signature and, evaluated at now, the expiry.
func VerifyToken(tokenString string, cfg TokenConfig, now time.Time) (*Claims, error) {
	return parseToken(tokenString, cfg, jwt.WithTimeFunc(func() time.Time { return now }))
}

// VerifyTokenSignature checks only the signature, so an expired token can
// still name the session it belonged to.
func VerifyTokenSignature(tokenString string, cfg TokenConfig) (*Claims, error) {
	return parseToken(tokenString, cfg, jwt.WithoutClaimsValidation())
}

func parseToken(tokenString string, cfg TokenConfig, opts ...jwt.ParserOption) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
