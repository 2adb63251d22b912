package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	"ojforge/internal/model"
	"ojforge/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

const tokenTypeAccess = "access"

type tokenClaims struct {
	Role      string `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

func (s *AuthService) generateToken(u *model.User) (string, time.Time, error) {
	if s.cfg.JWTSecret == "" {
		return "", time.Time{}, errors.New(errors.TokenGenerationFailed)
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	tokenID, err := newTokenID()
	if err != nil {
		return "", time.Time{}, err
	}
	claims := tokenClaims{
		Role:      u.Role,
		TokenType: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        tokenID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, errors.Wrap(fmt.Errorf("sign token failed: %w", err), errors.TokenGenerationFailed)
	}
	return raw, expiresAt, nil
}

func (s *AuthService) parseToken(raw string) (*tokenClaims, error) {
	if raw == "" {
		return nil, errors.New(errors.TokenInvalid)
	}

	parsed, err := jwt.ParseWithClaims(raw, &tokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.New(errors.TokenExpired)
		}
		return nil, errors.New(errors.TokenInvalid)
	}
	if !parsed.Valid {
		return nil, errors.New(errors.TokenInvalid)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok {
		return nil, errors.New(errors.TokenInvalid)
	}
	if s.cfg.Issuer != "" && claims.Issuer != s.cfg.Issuer {
		return nil, errors.New(errors.TokenInvalid)
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, errors.New(errors.TokenInvalid)
	}
	if claims.Subject == "" {
		return nil, errors.New(errors.TokenInvalid)
	}

	return claims, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newTokenID() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", errors.Wrap(fmt.Errorf("generate token id failed: %w", err), errors.TokenGenerationFailed)
	}
	return hex.EncodeToString(randomBytes), nil
}
