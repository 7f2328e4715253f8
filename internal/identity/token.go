package identity

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"taskboard/internal/pkg/apperr"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a bearer token when none is configured.
const DefaultTokenTTL = time.Hour

// Token is a signed bearer credential and its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenConfig holds the signing parameters.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// TokenIssuer mints and verifies HS256 JWTs whose subject is the decimal
// user id. Tokens are stateless: validity is signature plus expiry.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(cfg TokenConfig) *TokenIssuer {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for userID.
func (t *TokenIssuer) Issue(userID uint) (Token, error) {
	if userID == 0 {
		return Token{}, fmt.Errorf("issue token: empty user id")
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   strconv.FormatUint(uint64(userID), 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	// NumericDate has second precision
	return Token{Value: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Parse verifies raw and returns the bound user id.
func (t *TokenIssuer) Parse(raw string) (uint, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, apperr.ErrTokenExpired
		}
		return 0, fmt.Errorf("%w: %v", apperr.ErrInvalidToken, err)
	}
	if !token.Valid {
		return 0, apperr.ErrInvalidToken
	}

	uid, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("%w: bad subject", apperr.ErrInvalidToken)
	}
	return uint(uid), nil
}
