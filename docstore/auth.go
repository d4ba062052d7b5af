package docstore

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// session tokens bind a gateway connection to a user id
// tokens are minted by the auth system, outside this repo; the CLI mints
// its own for local stores

type Session struct {
	UserId string
}

func ParseSessionToken(token string, secret []byte) (*Session, error) {
	parsed, err := gojwt.Parse(
		token,
		func(t *gojwt.Token) (any, error) {
			if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
		gojwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("session token missing subject")
	}
	return &Session{
		UserId: subject,
	}, nil
}

func MintSessionToken(userId string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := gojwt.RegisteredClaims{
		Subject:   userId,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
