package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Resume tokens are short-lived HMAC JWTs bound to one session and one
// worker name. The expiry doubles as the resume grace: a token that no
// longer verifies belongs to a session the sweeper has already reclaimed.

func mintResumeToken(secret []byte, sessionID, workerName string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sid": sessionID,
		"sub": workerName,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}
	return signed, nil
}

func verifyResumeToken(secret []byte, token, sessionID, workerName string) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("parse resume token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return fmt.Errorf("resume token rejected")
	}
	if sid, _ := claims["sid"].(string); sid != sessionID {
		return fmt.Errorf("resume token bound to session %q", sid)
	}
	if sub, _ := claims["sub"].(string); sub != workerName {
		return fmt.Errorf("resume token bound to worker %q", sub)
	}
	return nil
}
