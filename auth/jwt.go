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
	"fmt"
	"time"

	"github.com/alwitt/tickrelay/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrUnauthenticated connection attempt carries no usable credential
var ErrUnauthenticated = errors.New("unauthenticated")

// Claims decoded token claims of an authenticated connection
type Claims struct {
	// Name optional display name of the subject
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier verify a credential and decode its claims
type Verifier interface {
	/*
		Verify verify a credential

		 @param token string - the candidate credential
		 @return the decoded claims
	*/
	Verify(token string) (*Claims, error)
}

// JWTVerifier verify HMAC signed JWTs
type JWTVerifier struct {
	common.Component
	secret []byte
	parser *jwt.Parser
}

// hmacMethods the accepted signing algorithms
var hmacMethods = []string{
	jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg(),
}

// NewJWTVerifier define a JWTVerifier from the auth config
func NewJWTVerifier(config common.AuthConfig, clock clockwork.Clock) (*JWTVerifier, error) {
	if len(config.Secret) == 0 {
		return nil, fmt.Errorf("no JWT secret provided")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(hmacMethods),
		jwt.WithLeeway(time.Second * time.Duration(config.Leeway)),
		jwt.WithTimeFunc(clock.Now),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}
	if config.Audience != "" {
		opts = append(opts, jwt.WithAudience(config.Audience))
	}
	return &JWTVerifier{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "jwt-verifier"},
		},
		secret: []byte(config.Secret),
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify verify a JWT and return its claims
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return claims, nil
}

// TokenParams parameters for minting a token
type TokenParams struct {
	Secret   string
	Subject  string
	Name     string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// MintToken sign a HS256 JWT
func MintToken(params TokenParams, now time.Time) (string, error) {
	if params.Subject == "" {
		return "", fmt.Errorf("token subject cannot be empty")
	}
	claims := Claims{
		Name: params.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   params.Subject,
			Issuer:    params.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if params.Audience != "" {
		claims.Audience = jwt.ClaimStrings{params.Audience}
	}
	if params.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(params.TTL))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(params.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
