package identity

import (
	"strings"
	"testing"
	"time"

	"taskboard/internal/pkg/apperr"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestIssuer(secret string, now time.Time) *TokenIssuer {
	ti := NewTokenIssuer(TokenConfig{Secret: secret, Issuer: "taskboard-test", TTL: time.Hour})
	ti.now = fixedClock(now)
	return ti
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ti := newTestIssuer("secret", now)

	tok, err := ti.Issue(42)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.True(t, tok.ExpiresAt.Equal(now.Add(time.Hour)))

	uid, err := ti.Parse(tok.Value)
	require.NoError(t, err)
	assert.Equal(t, uint(42), uid)
}

func TestTokenIssuer_DefaultTTL(t *testing.T) {
	ti := NewTokenIssuer(TokenConfig{Secret: "s"})
	assert.Equal(t, DefaultTokenTTL, ti.ttl)
}

func TestTokenIssuer_Expired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ti := newTestIssuer("secret", now)
	tok, err := ti.Issue(7)
	require.NoError(t, err)

	ti.now = fixedClock(now.Add(59 * time.Minute))
	_, err = ti.Parse(tok.Value)
	require.NoError(t, err)

	ti.now = fixedClock(now.Add(time.Hour + time.Second))
	_, err = ti.Parse(tok.Value)
	require.ErrorIs(t, err, apperr.ErrTokenExpired)
}

func TestTokenIssuer_TamperedSignature(t *testing.T) {
	now := time.Now()
	ti := newTestIssuer("secret", now)
	other := newTestIssuer("other-secret", now)

	tok, err := ti.Issue(7)
	require.NoError(t, err)
	forged, err := other.Issue(7)
	require.NoError(t, err)

	// 同样的 header.payload 配上另一个密钥的签名
	parts := strings.Split(tok.Value, ".")
	forgedParts := strings.Split(forged.Value, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + forgedParts[2]

	_, err = ti.Parse(tampered)
	require.ErrorIs(t, err, apperr.ErrInvalidToken)

	_, err = ti.Parse(forged.Value)
	require.ErrorIs(t, err, apperr.ErrInvalidToken)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	now := time.Now()
	ti := newTestIssuer("secret", now)

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Issuer:    "taskboard-test",
		Subject:   "5",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	cases := map[string]string{
		"garbage":    "not-a-jwt",
		"none alg":   sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid),
		"hs512":      sign(jwt.SigningMethodHS512, []byte("secret"), valid),
		"no expiry":  sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Issuer: "taskboard-test", Subject: "5"}),
		"bad issuer": sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Issuer: "someone-else", Subject: "5", ExpiresAt: valid.ExpiresAt}),
		"bad sub":    sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Issuer: "taskboard-test", Subject: "abc", ExpiresAt: valid.ExpiresAt}),
		"zero sub":   sign(jwt.SigningMethodHS256, []byte("secret"), jwt.RegisteredClaims{Issuer: "taskboard-test", Subject: "0", ExpiresAt: valid.ExpiresAt}),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ti.Parse(raw)
			require.ErrorIs(t, err, apperr.ErrInvalidToken)
		})
	}
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(4)
	hash, err := h.Hash("pw123")
	require.NoError(t, err)
	assert.NotEqual(t, "pw123", hash)
	assert.True(t, h.Verify(hash, "pw123"))
	assert.False(t, h.Verify(hash, "pw124"))
	assert.Equal(t, 10, NewPasswordHasher(0).cost)
	h.Burn("anything")
}

func TestPasswordHasher_EmptyHashStillRunsBcrypt(t *testing.T) {
	h := NewPasswordHasher(4)
	require.Nil(t, h.dummy)

	assert.False(t, h.Verify("", "pw123"))
	assert.NotEmpty(t, h.dummy)
}
