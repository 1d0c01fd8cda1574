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

package openparcel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ScrapeCode classifies a failure reported by a carrier's scraping script,
// or detected by the driver while talking to a carrier.
type ScrapeCode string

const (
	// CodeParcelNotFound means the carrier has no record of the tracking code.
	CodeParcelNotFound ScrapeCode = "ParcelNotFound"

	// CodeInvalidTrackingCode means the carrier rejected the tracking code
	// as malformed.
	CodeInvalidTrackingCode ScrapeCode = "InvalidTrackingCode"

	// CodeRateLimiting means the carrier is throttling us.
	CodeRateLimiting ScrapeCode = "RateLimiting"

	// CodeBlocked means the carrier's anti-bot measures rejected the request.
	CodeBlocked ScrapeCode = "Blocked"

	// CodeProxyTimeout means the outbound proxy failed to reach the carrier
	// in time.
	CodeProxyTimeout ScrapeCode = "ProxyTimeout"
)

// ScrapeError is a classified scraping failure. It carries whatever extra
// payload the carrier script attached to the error probe result.
type ScrapeError struct {
	// Code is the classified failure kind.
	Code ScrapeCode
	// Carrier is the uid of the carrier that produced the failure.
	Carrier string
	// Data is the raw payload attached by the carrier script, if any.
	Data json.RawMessage
}

// Error implements the error interface.
func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scraping %s returned %s", e.Carrier, e.Code)
}

// Title is the short human-facing description of the failure.
func (e *ScrapeError) Title() string {
	switch e.Code {
	case CodeParcelNotFound:
		return "Parcel not found"
	case CodeInvalidTrackingCode:
		return "Invalid tracking code"
	case CodeRateLimiting:
		return "Rate limited by carrier"
	case CodeBlocked:
		return "Blocked by carrier"
	case CodeProxyTimeout:
		return "Carrier unreachable"
	}
	return "Scraping failed"
}

// Message is the long human-facing description of the failure.
func (e *ScrapeError) Message() string {
	switch e.Code {
	case CodeParcelNotFound:
		return "The carrier has no tracking history for this parcel yet."
	case CodeInvalidTrackingCode:
		return "The carrier rejected the supplied tracking code."
	case CodeRateLimiting:
		return "The carrier is rate limiting our requests. Try again later."
	case CodeBlocked:
		return "The carrier blocked the request. Try again later."
	case CodeProxyTimeout:
		return "The carrier's website could not be reached in time."
	}
	return "An unknown error occurred while scraping the carrier's website."
}

// StatusCode maps the failure to an HTTP response code. Classified user
// errors are semantic rejections, a proxy fault or an unknown code is ours.
func (e *ScrapeError) StatusCode() int {
	switch e.Code {
	case CodeParcelNotFound, CodeInvalidTrackingCode, CodeRateLimiting, CodeBlocked:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Expected reports whether the failure is a normal user-facing outcome that
// should not be logged as an incident.
func (e *ScrapeError) Expected() bool {
	return e.Code == CodeParcelNotFound || e.Code == CodeInvalidTrackingCode
}

// AsScrapeError unwraps err into a ScrapeError if there is one in the chain.
func AsScrapeError(err error) (*ScrapeError, bool) {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsScrapeCode reports whether err is a ScrapeError with the given code.
func IsScrapeCode(err error, code ScrapeCode) bool {
	se, ok := AsScrapeError(err)
	return ok && se.Code == code
}

// ValidationError rejects an input value that is present but malformed, as
// opposed to a missing one. It surfaces to API clients as a semantic
// rejection (422), where a missing parameter is a plain bad request (400).
type ValidationError struct {
	// Msg describes what is wrong with the value.
	Msg string
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ValidationError) Error() string { return e.Msg }

// IsValidationError reports whether there is a ValidationError in the chain.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BrowserError is an unexpected failure inside the scraping driver, as
// opposed to a classified carrier response. It always surfaces as a 500 and
// is logged with its full cause.
type BrowserError struct {
	// Err is the underlying driver failure.
	Err error
}

// Error implements the error interface.
func (e *BrowserError) Error() string {
	return fmt.Sprintf("scraping browser error: %v", e.Err)
}

// Unwrap supports errors.Is/As on the wrapped cause.
func (e *BrowserError) Unwrap() error { return e.Err }

// AsBrowserError unwraps err into a BrowserError if there is one in the chain.
func AsBrowserError(err error) (*BrowserError, bool) {
	var be *BrowserError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
