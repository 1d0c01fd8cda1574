/*
 * OpenParcel
 * Copyright (C) 2024  The OpenParcel Authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package httplib implements the web API plumbing shared by every handler:
// JSON replies, request decoding and the mapping from the error taxonomy
// onto HTTP responses.
package httplib

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/openparcel/openparcel"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc is an API endpoint: it returns a JSON-serializable value or
// an error from the taxonomy.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	// Title is a short human-facing description of the failure.
	Title string `json:"title"`
	// Message explains the failure to the end user.
	Message string `json:"message"`
	// Data carries extra failure context, if any.
	Data json.RawMessage `json:"data,omitempty"`
	// ReqID ties the response to the server logs.
	ReqID string `json:"req_id,omitempty"`
}

type contextKey int

const requestIDKey contextKey = 0

// WithRequestID stamps the request with its server-assigned id.
func WithRequestID(r *http.Request, id string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
}

// RequestID returns the id stamped on the request, if any.
func RequestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// MakeHandler adapts an endpoint into an httprouter handle, serializing its
// result and translating failures.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, r, err)
			return
		}
		if out == nil {
			out = struct{}{}
		}
		ReplyJSON(w, http.StatusOK, out)
	}
}

// ReplyJSON writes a JSON response.
func ReplyJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to serialize API response.", "error", err)
	}
}

// ReplyError translates an error into its HTTP response. Server faults are
// logged with the request id; expected user-facing outcomes are not.
func ReplyError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := ErrorToResponse(err, RequestID(r))
	if status >= http.StatusInternalServerError {
		slog.Warn("API request failed.",
			"req_id", resp.ReqID,
			"path", r.URL.Path,
			"error", err,
		)
	}
	ReplyJSON(w, status, resp)
}

// ErrorToResponse maps an error from the taxonomy onto an HTTP status and
// response body.
//
// Classified scrape failures that the carrier reported for a well-formed
// request are semantic rejections (422); a proxy fault or an unclassified
// code is an internal error. Pool saturation tells the client the whole
// service is overloaded (503). A parameter that is present but malformed is
// a semantic rejection (422); a missing one is a plain bad request (400).
func ErrorToResponse(err error, reqID string) (int, ErrorResponse) {
	if se, ok := openparcel.AsScrapeError(err); ok {
		return se.StatusCode(), ErrorResponse{
			Title:   se.Title(),
			Message: se.Message(),
			Data:    se.Data,
			ReqID:   reqID,
		}
	}
	if _, ok := openparcel.AsBrowserError(err); ok {
		return http.StatusInternalServerError, ErrorResponse{
			Title:   "Scraping failed",
			Message: "An internal error occurred while scraping the carrier's website.",
			ReqID:   reqID,
		}
	}

	switch {
	case trace.IsLimitExceeded(err):
		return http.StatusServiceUnavailable, ErrorResponse{
			Title:   "Service overloaded",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized, ErrorResponse{
			Title:   "Unauthorized",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	case trace.IsAlreadyExists(err):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Title:   "Already exists",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	case openparcel.IsValidationError(err):
		return http.StatusUnprocessableEntity, ErrorResponse{
			Title:   "Invalid parameter",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, ErrorResponse{
			Title:   "Bad request",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	case trace.IsNotFound(err):
		return http.StatusNotFound, ErrorResponse{
			Title:   "Not found",
			Message: trace.UserMessage(err),
			ReqID:   reqID,
		}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Title:   "Internal server error",
		Message: "Something went wrong while processing the request.",
		ReqID:   reqID,
	}
}

// ReadJSON decodes a request body into out.
func ReadJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := decoder.Decode(out); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}
