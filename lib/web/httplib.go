/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc is a request handler that returns the response body, or an
// error which is mapped onto the matching status code.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// Response lets a handler override the status code and attach headers.
type Response struct {
	Code   int
	Header http.Header
	Body   any
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

// authError reports a presented but unusable bearer credential. Unlike
// a missing credential or a denied operation it maps to 401.
type authError struct {
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) error {
	return &authError{message: message}
}

// makeHandler adapts a HandlerFunc into an httprouter handle that
// serializes the result as JSON and maps errors to status codes.
func makeHandler(log *slog.Logger, fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			replyError(log, w, r, err)
			return
		}
		code := http.StatusOK
		body := out
		if resp, ok := out.(*Response); ok {
			for key, values := range resp.Header {
				for _, value := range values {
					w.Header().Add(key, value)
				}
			}
			if resp.Code != 0 {
				code = resp.Code
			}
			body = resp.Body
		}
		replyJSON(w, code, body)
	}
}

// replyError maps an error onto its HTTP status code: 401 for unusable
// bearer credentials, 403 for denied access, 404 for missing resources,
// 422 for validation failures.
func replyError(log *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var auth *authError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &auth):
		code = http.StatusUnauthorized
	case trace.IsAccessDenied(err):
		code = http.StatusForbidden
	case trace.IsNotFound(err):
		code = http.StatusNotFound
	case trace.IsBadParameter(err):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "Request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
		replyJSON(w, code, errorBody{Detail: "Internal server error"})
		return
	}
	replyJSON(w, code, errorBody{Detail: trace.UserMessage(err)})
}

func replyJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// readJSON decodes the request body, rejecting unknown fields.
func readJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}
