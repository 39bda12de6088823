// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package sec_test

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/platform/sec"
)

const (
	secretA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	secretB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	issuer  = "aegis.test"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newCodec(t *testing.T, now time.Time, secrets ...string) *sec.TokenCodec {
	t.Helper()
	codec, err := sec.NewTokenCodec(secrets, issuer, sec.WithClock(fixedClock(now)))
	require.NoError(t, err)
	return codec
}

/*
TestTokenCodec_RoundTrip verifies that verify(issue(c)) yields c.
*/
func TestTokenCodec_RoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	codec := newCodec(t, now, secretA)

	raw, issued, err := codec.Issue(sec.ClaimSet{
		Subject:     "user-1",
		Roles:       []string{"admin"},
		Permissions: []string{"sessions:revoke"},
		SessionID:   "sid-1",
	}, sec.TokenAccess, 15*time.Minute)
	require.NoError(t, err)

	claims, err := codec.Verify(raw)
	require.NoError(t, err)

	assert.Equal(t, issued.Subject, claims.Subject)
	assert.Equal(t, issued.ID, claims.ID)
	assert.Equal(t, sec.TokenAccess, claims.Type)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"sessions:revoke"}, claims.Permissions)
	assert.Equal(t, "sid-1", claims.SessionID)
	assert.Equal(t, issuer, claims.Issuer)
	assert.True(t, claims.IssuedAt.Equal(now))
	assert.True(t, claims.ExpiresAt.Equal(now.Add(15*time.Minute)))
	assert.NotEmpty(t, claims.ID)
}

/*
TestTokenCodec_Failures verifies the typed failure taxonomy.
*/
func TestTokenCodec_Failures(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	codec := newCodec(t, now, secretA)

	raw, _, err := codec.Issue(sec.ClaimSet{Subject: "user-1"}, sec.TokenAccess, time.Minute)
	require.NoError(t, err)

	t.Run("expired_without_leeway", func(t *testing.T) {
		later := newCodec(t, now.Add(time.Minute), secretA)
		_, err := later.Verify(raw)
		assert.ErrorIs(t, err, sec.ErrExpiredToken)
	})

	t.Run("bad_signature", func(t *testing.T) {
		other := newCodec(t, now, secretB)
		_, err := other.Verify(raw)
		assert.ErrorIs(t, err, sec.ErrBadSignature)
	})

	t.Run("tampered_payload", func(t *testing.T) {
		parts := strings.Split(raw, ".")
		require.Len(t, parts, 3)
		forged, _, err := newCodec(t, now, secretA).Issue(sec.ClaimSet{Subject: "admin-1"}, sec.TokenAccess, time.Minute)
		require.NoError(t, err)
		swapped := parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]

		_, err = codec.Verify(swapped)
		assert.ErrorIs(t, err, sec.ErrBadSignature)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, input := range []string{"", "abc", "a.b", "a.b.c"} {
			_, err := codec.Verify(input)
			assert.ErrorIs(t, err, sec.ErrMalformedToken, input)
		}
	})

	t.Run("alg_none_rejected", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "user-1", "typ": "access", "jti": "x", "iss": issuer,
			"exp": now.Add(time.Hour).Unix(), "iat": now.Unix(),
		})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = codec.Verify(token)
		assert.ErrorIs(t, err, sec.ErrBadSignature)
	})

	t.Run("wrong_type", func(t *testing.T) {
		_, err := codec.VerifyType(raw, sec.TokenRefresh)
		assert.ErrorIs(t, err, sec.ErrWrongTokenType)
	})
}

/*
TestTokenCodec_Rotation verifies that an older secret keeps verifying after rotation.
*/
func TestTokenCodec_Rotation(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	before := newCodec(t, now, secretA)
	raw, _, err := before.Issue(sec.ClaimSet{Subject: "user-1"}, sec.TokenRefresh, time.Hour)
	require.NoError(t, err)

	after := newCodec(t, now, secretB, secretA)
	claims, err := after.VerifyType(raw, sec.TokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)

	retired := newCodec(t, now, secretB)
	_, err = retired.Verify(raw)
	assert.ErrorIs(t, err, sec.ErrBadSignature)
}

/*
TestTokenCodec_IssueValidation verifies that invalid issue requests are rejected.
*/
func TestTokenCodec_IssueValidation(t *testing.T) {
	codec := newCodec(t, time.Now(), secretA)

	_, _, err := codec.Issue(sec.ClaimSet{}, sec.TokenAccess, time.Minute)
	assert.Error(t, err)

	_, _, err = codec.Issue(sec.ClaimSet{Subject: "u"}, sec.TokenType("id"), time.Minute)
	assert.Error(t, err)

	_, _, err = codec.Issue(sec.ClaimSet{Subject: "u"}, sec.TokenAccess, 0)
	assert.Error(t, err)

	_, err = sec.NewTokenCodec(nil, issuer)
	assert.Error(t, err)
}
