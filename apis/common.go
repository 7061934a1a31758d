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

package apis

import (
	"context"
	"io"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/tickrelay/auth"
	"github.com/alwitt/tickrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// defineRestAPIHandler define the base REST handler from the HTTP config
func defineRestAPIHandler(
	logTags log.Fields, httpConfig *common.HTTPConfig,
) goutils.RestAPIHandler {
	return goutils.RestAPIHandler{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
		DoNotLogHeaders: func() map[string]bool {
			result := map[string]bool{}
			for _, v := range httpConfig.Logging.DoNotLogHeaders {
				result[v] = true
			}
			return result
		}(),
	}
}

// requestIDMiddleware echo the caller's request ID, or a generated one, in the response
func requestIDMiddleware(headerField string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if headerField != "" {
				reqID := r.Header.Get(headerField)
				if reqID == "" {
					reqID = uuid.New().String()
					r.Header.Set(headerField, reqID)
				}
				w.Header().Set(headerField, reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// redactedValue replaces credential values in the access log
const redactedValue = "REDACTED"

type originalRequestKey struct{}

// withRedactedCredential copy of the request whose URL no longer carries the token query
// parameter. The original request is kept in the context.
func withRedactedCredential(r *http.Request) *http.Request {
	query := r.URL.Query()
	if !query.Has(auth.TokenQueryParam) {
		return r
	}
	query.Set(auth.TokenQueryParam, redactedValue)
	redactedURL := *r.URL
	redactedURL.RawQuery = query.Encode()
	redacted := r.WithContext(context.WithValue(r.Context(), originalRequestKey{}, r))
	redacted.URL = &redactedURL
	redacted.RequestURI = redactedURL.RequestURI()
	return redacted
}

// accessLogMiddleware combined format access log, with the token query parameter redacted
func accessLogMiddleware(out io.Writer) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		logged := handlers.CombinedLoggingHandler(
			out, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if original, ok := r.Context().Value(originalRequestKey{}).(*http.Request); ok {
					r = original
				}
				next.ServeHTTP(w, r)
			}),
		)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logged.ServeHTTP(w, withRedactedCredential(r))
		})
	}
}
