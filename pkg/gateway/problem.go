// Package gateway — RFC 7807 Problem Detail error responses for the HTTP API.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/arbiter-labs/arbiter/pkg/entities"
	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links the response to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
	// RuleID carries the stable rule code for validation rejections.
	RuleID string `json:"rule_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, ruleID string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://arbiter.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		RuleID:   ruleID,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, "Bad Request", detail, "")
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", detail, "")
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusForbidden, "Forbidden", detail, "")
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusNotFound, "Not Found", detail, "")
}

// WriteConflict writes a 409 error response for illegal state transitions.
func WriteConflict(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusConflict, "Conflict", detail, "")
}

// WriteUnprocessable writes a 422 error response with the rule code that
// rejected the input.
func WriteUnprocessable(w http.ResponseWriter, r *http.Request, ruleID, detail string) {
	writeProblem(w, r, http.StatusUnprocessableEntity, "Unprocessable Entity", detail, ruleID)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.", "")
}

// WriteInternal writes a 500 error response. The err is never exposed to
// the client; callers log it.
func WriteInternal(w http.ResponseWriter, r *http.Request) {
	writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.", "")
}

// WriteEngineError maps engine and tenancy errors onto problem responses.
// Typed errors carry their own status; anything unrecognized is a 500.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *entities.NotFoundError
	if errors.As(err, &nf) {
		WriteNotFound(w, r, nf.Error())
		return
	}
	var se *entities.StateError
	if errors.As(err, &se) {
		WriteConflict(w, r, se.Error())
		return
	}
	var ve *entities.ValidationError
	if errors.As(err, &ve) {
		WriteUnprocessable(w, r, ve.RuleID, ve.Reason)
		return
	}
	var ce *eventlog.CapacityError
	if errors.As(err, &ce) {
		WriteBadRequest(w, r, ce.Error())
		return
	}
	var te *tenancy.Error
	if errors.As(err, &te) {
		switch te.Code {
		case tenancy.CodeNotFound:
			WriteNotFound(w, r, te.Error())
		case tenancy.CodeSuspended, tenancy.CodeDeleted:
			WriteForbidden(w, r, te.Error())
		case tenancy.CodeExists:
			WriteConflict(w, r, te.Error())
		default:
			WriteBadRequest(w, r, te.Error())
		}
		return
	}
	WriteInternal(w, r)
}
