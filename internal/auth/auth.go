package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crosspost/internal/domain"
)

var (
	ErrBadRegistrationSecret = errors.New("registration secret mismatch")
	ErrInvalidToken          = errors.New("invalid token")
	ErrTokenExpired          = errors.New("token expired")
)

// Scope is the authorization triple extracted from a validated token. Every
// downstream check (platform match, region match, job ownership) derives from
// it, never from request-body fields.
type Scope struct {
	WorkerID  string
	Region    string
	Platforms []domain.Platform
}

func (s Scope) AllowsPlatform(p domain.Platform) bool {
	for _, own := range s.Platforms {
		if own == p {
			return true
		}
	}
	return false
}

type workerClaims struct {
	Region    string   `json:"region"`
	Platforms []string `json:"platforms"`
	jwt.RegisteredClaims
}

// Service signs and validates worker tokens and gates registration behind the
// operator-provisioned pre-shared secret.
type Service struct {
	signingSecret      []byte
	registrationSecret []byte
	ttl                time.Duration
}

func NewService(signingSecret, registrationSecret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		signingSecret:      []byte(signingSecret),
		registrationSecret: []byte(registrationSecret),
		ttl:                ttl,
	}
}

// CheckRegistrationSecret compares in constant time; no worker state may be
// created when this fails.
func (s *Service) CheckRegistrationSecret(secret string) error {
	if subtle.ConstantTimeCompare(s.registrationSecret, []byte(secret)) != 1 {
		return ErrBadRegistrationSecret
	}
	return nil
}

// Issue returns a signed token for the scope plus its lifetime in seconds.
func (s *Service) Issue(workerID, region string, platforms []domain.Platform, now time.Time) (string, int, error) {
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	claims := workerClaims{
		Region:    region,
		Platforms: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
	if err != nil {
		return "", 0, fmt.Errorf("sign worker token: %w", err)
	}
	return token, int(s.ttl.Seconds()), nil
}

// Validate checks signature and expiry and extracts the caller's Scope.
// Expired tokens are rejected with no grace window.
func (s *Service) Validate(token string) (Scope, error) {
	var claims workerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Scope{}, ErrTokenExpired
		}
		return Scope{}, ErrInvalidToken
	}
	if !parsed.Valid || claims.Subject == "" {
		return Scope{}, ErrInvalidToken
	}

	platforms := make([]domain.Platform, 0, len(claims.Platforms))
	for _, name := range claims.Platforms {
		platforms = append(platforms, domain.Platform(name))
	}
	return Scope{WorkerID: claims.Subject, Region: claims.Region, Platforms: platforms}, nil
}
