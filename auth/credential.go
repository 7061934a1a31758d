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
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/websocket"
)

// CredentialSource where in the upgrade request a credential was found
type CredentialSource int

// Credential sources, in extraction priority order
const (
	SourceNone CredentialSource = iota
	SourceQuery
	SourceBearer
	SourceSubprotocol
)

// String toString function for CredentialSource
func (s CredentialSource) String() string {
	switch s {
	case SourceQuery:
		return "query"
	case SourceBearer:
		return "bearer"
	case SourceSubprotocol:
		return "subprotocol"
	default:
		return "none"
	}
}

// TokenQueryParam query parameter carrying the credential
const TokenQueryParam = "token"

var bearerRegex = regexp.MustCompile(`(?i)^\s*bearer\s+(\S.*)$`)

// ExtractCredential find the candidate credential of an upgrade request.
//
// Sources are checked in order: the "token" query parameter, an "Authorization: Bearer"
// header, then the first non-empty entry of "Sec-WebSocket-Protocol". The first present,
// non-empty candidate wins.
func ExtractCredential(r *http.Request) (string, CredentialSource, bool) {
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token, SourceQuery, true
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if match := bearerRegex.FindStringSubmatch(header); match != nil {
			if token := strings.TrimSpace(match[1]); token != "" {
				return token, SourceBearer, true
			}
		}
	}

	for _, proto := range websocket.Subprotocols(r) {
		if proto != "" {
			return proto, SourceSubprotocol, true
		}
	}

	return "", SourceNone, false
}
