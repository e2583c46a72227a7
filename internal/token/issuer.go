// Package token signs the single-use vote token handed out after a
// successful OTP verification.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"vote-service/internal/models"
)

var ErrInvalidToken = errors.New("invalid vote token")

type Claims struct {
	ProjectID string `json:"projectId"`
	jwt.RegisteredClaims
}

// Issuer signs tokens with HS256. The session id doubles as the token id, so
// spending a token is spending its session.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("vote token secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("vote token ttl must be positive")
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (i *Issuer) Issue(sessionID, identityKey, projectID string) (string, models.VerifiedToken, error) {
	now := i.now().UTC().Truncate(time.Second)
	vt := models.VerifiedToken{
		SessionID:   sessionID,
		IdentityKey: identityKey,
		ProjectID:   projectID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.ttl),
	}

	claims := Claims{
		ProjectID: projectID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Subject:   identityKey,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(vt.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(vt.ExpiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", models.VerifiedToken{}, fmt.Errorf("sign vote token: %w", err)
	}
	return signed, vt, nil
}

func (i *Issuer) Parse(raw string) (models.VerifiedToken, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return models.VerifiedToken{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Issuer != i.issuer || claims.ID == "" || claims.Subject == "" || claims.ProjectID == "" {
		return models.VerifiedToken{}, fmt.Errorf("%w: missing claims", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return models.VerifiedToken{}, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}

	return models.VerifiedToken{
		SessionID:   claims.ID,
		IdentityKey: claims.Subject,
		ProjectID:   claims.ProjectID,
		IssuedAt:    claims.IssuedAt.Time,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
