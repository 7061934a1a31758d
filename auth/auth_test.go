// Copyright 2021-2022 The tickrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alwitt/tickrelay/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func TestExtractCredential(t *testing.T) {
	assert := assert.New(t)

	// Case 0: nothing
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		_, source, ok := ExtractCredential(req)
		assert.False(ok)
		assert.Equal(SourceNone, source)
	}

	// Case 1: each source alone
	{
		req := httptest.NewRequest("GET", "/ws?token=q-token", nil)
		token, source, ok := ExtractCredential(req)
		assert.True(ok)
		assert.Equal("q-token", token)
		assert.Equal(SourceQuery, source)

		req = httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "bEaReR   h-token")
		token, source, ok = ExtractCredential(req)
		assert.True(ok)
		assert.Equal("h-token", token)
		assert.Equal(SourceBearer, source)

		req = httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-WebSocket-Protocol", " , p-token, other")
		token, source, ok = ExtractCredential(req)
		assert.True(ok)
		assert.Equal("p-token", token)
		assert.Equal(SourceSubprotocol, source)
	}

	// Case 2: priority order
	{
		req := httptest.NewRequest("GET", "/ws?token=q-token", nil)
		req.Header.Set("Authorization", "Bearer h-token")
		req.Header.Set("Sec-WebSocket-Protocol", "p-token")
		token, source, _ := ExtractCredential(req)
		assert.Equal("q-token", token)
		assert.Equal(SourceQuery, source)

		req = httptest.NewRequest("GET", "/ws?token=", nil)
		req.Header.Set("Authorization", "Bearer h-token")
		req.Header.Set("Sec-WebSocket-Protocol", "p-token")
		token, source, _ = ExtractCredential(req)
		assert.Equal("h-token", token)
		assert.Equal(SourceBearer, source)
	}

	// Case 3: non bearer authorization falls through to subprotocol
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		req.Header.Set("Sec-WebSocket-Protocol", "p-token")
		token, source, ok := ExtractCredential(req)
		assert.True(ok)
		assert.Equal("p-token", token)
		assert.Equal(SourceSubprotocol, source)
	}
}

func TestJWTVerifier(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := clockwork.NewFakeClockAt(time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC))
	uut, err := NewJWTVerifier(common.AuthConfig{Secret: testSecret}, clock)
	require.Nil(t, err)

	// Case 0: valid token
	{
		token, err := MintToken(
			TokenParams{Secret: testSecret, Subject: "alice", TTL: time.Minute}, clock.Now(),
		)
		assert.Nil(err)
		claims, err := uut.Verify(token)
		assert.Nil(err)
		assert.Equal("alice", claims.Subject)
		assert.NotEmpty(claims.ID)
	}

	// Case 1: expired token
	{
		token, err := MintToken(
			TokenParams{Secret: testSecret, Subject: "alice", TTL: time.Minute},
			clock.Now().Add(-time.Hour),
		)
		assert.Nil(err)
		_, err = uut.Verify(token)
		assert.NotNil(err)
		assert.True(errors.Is(err, jwt.ErrTokenExpired))
	}

	// Case 2: wrong secret
	{
		token, err := MintToken(
			TokenParams{Secret: "some-other-secret", Subject: "alice", TTL: time.Minute},
			clock.Now(),
		)
		assert.Nil(err)
		_, err = uut.Verify(token)
		assert.NotNil(err)
	}

	// Case 3: unsigned token
	{
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject: "alice",
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		assert.Nil(err)
		_, err = uut.Verify(token)
		assert.NotNil(err)
	}

	// Case 4: garbage
	{
		_, err := uut.Verify("not-a-jwt")
		assert.NotNil(err)
	}

	// Case 5: issuer and audience enforced when configured
	{
		strict, err := NewJWTVerifier(
			common.AuthConfig{Secret: testSecret, Issuer: "tickrelay", Audience: "ws"}, clock,
		)
		assert.Nil(err)
		good, err := MintToken(TokenParams{
			Secret: testSecret, Subject: "bob", Issuer: "tickrelay", Audience: "ws", TTL: time.Minute,
		}, clock.Now())
		assert.Nil(err)
		_, err = strict.Verify(good)
		assert.Nil(err)
		bad, err := MintToken(TokenParams{
			Secret: testSecret, Subject: "bob", Issuer: "elsewhere", Audience: "ws", TTL: time.Minute,
		}, clock.Now())
		assert.Nil(err)
		_, err = strict.Verify(bad)
		assert.NotNil(err)
	}

	// Case 6: missing secret
	{
		_, err := NewJWTVerifier(common.AuthConfig{}, clock)
		assert.NotNil(err)
	}
}

func TestGateAdmit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	clock := clockwork.NewFakeClock()
	verifier, err := NewJWTVerifier(common.AuthConfig{Secret: testSecret}, clock)
	require.Nil(t, err)
	uut := NewGate(verifier)

	token, err := MintToken(
		TokenParams{Secret: testSecret, Subject: "carol", TTL: time.Minute}, clock.Now(),
	)
	require.Nil(t, err)

	// Case 0: no credential
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		_, err := uut.Admit(req)
		assert.True(errors.Is(err, ErrUnauthenticated))
	}

	// Case 1: invalid credential is indistinguishable from a missing one
	{
		req := httptest.NewRequest("GET", "/ws?token=bogus", nil)
		_, err := uut.Admit(req)
		assert.True(errors.Is(err, ErrUnauthenticated))
	}

	// Case 2: query credential
	{
		req := httptest.NewRequest("GET", "/ws?token="+token, nil)
		admit, err := uut.Admit(req)
		assert.Nil(err)
		assert.Equal(SourceQuery, admit.Source)
		assert.Equal("carol", admit.Claims.Subject)
		assert.Empty(admit.Subprotocol)
	}

	// Case 3: bearer credential
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		admit, err := uut.Admit(req)
		assert.Nil(err)
		assert.Equal(SourceBearer, admit.Source)
	}

	// Case 4: subprotocol credential is echoed
	{
		req := httptest.NewRequest("GET", "/ws", nil)
		req.Header.Set("Sec-WebSocket-Protocol", token)
		admit, err := uut.Admit(req)
		assert.Nil(err)
		assert.Equal(SourceSubprotocol, admit.Source)
		assert.Equal(token, admit.Subprotocol)
	}

	// Case 5: higher priority invalid credential is not skipped
	{
		req := httptest.NewRequest("GET", "/ws?token=bogus", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		_, err := uut.Admit(req)
		assert.True(errors.Is(err, ErrUnauthenticated))
	}
}
