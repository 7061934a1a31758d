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
	"fmt"
	"net/http"

	"github.com/alwitt/tickrelay/common"
	"github.com/apex/log"
)

// Admission outcome of a successful credential check
type Admission struct {
	Claims *Claims
	Source CredentialSource
	// Subprotocol the subprotocol entry to select during upgrade, if the credential came from
	// the subprotocol header
	Subprotocol string
}

// Gate admit or reject WebSocket upgrade requests based on their credential
type Gate struct {
	common.Component
	verifier Verifier
}

// NewGate define a new credential gate
func NewGate(verifier Verifier) *Gate {
	return &Gate{
		Component: common.Component{
			LogTags: log.Fields{"module": "auth", "component": "gate"},
		},
		verifier: verifier,
	}
}

// Admit check the credential of an upgrade request.
//
// Every rejection returns ErrUnauthenticated; the underlying cause is only logged.
func (g *Gate) Admit(r *http.Request) (Admission, error) {
	token, source, ok := ExtractCredential(r)
	if !ok {
		log.WithFields(g.LogTags).Debugf("No credential on request from %s", r.RemoteAddr)
		return Admission{}, fmt.Errorf("%w: no credential", ErrUnauthenticated)
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Infof(
			"Rejected %s credential from %s", source, r.RemoteAddr,
		)
		return Admission{}, ErrUnauthenticated
	}
	admit := Admission{Claims: claims, Source: source}
	if source == SourceSubprotocol {
		admit.Subprotocol = token
	}
	return admit, nil
}
