package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/code19m/errx"

	"github.com/pavel-fokin/files-depot/internal/access"
	"github.com/pavel-fokin/files-depot/internal/files"
)

const (
	codeTooManyAttempts = "TOO_MANY_ATTEMPTS"
	codeInternal        = "INTERNAL"
)

var messages = map[string]string{
	access.CodeUnauthorized:       "Not logged in",
	access.CodeForbidden:          "Access denied",
	access.CodeInvalidCredentials: "Invalid credentials",
	files.CodeNotFound:            "File not found",
	files.CodeContentMissing:      "File content not available",
	files.CodeInvalidFileType:     "File type not allowed",
	files.CodeFileTooLarge:        "File too large",
	files.CodeMalformedRequest:    "Malformed request",
	files.CodeStorageFailure:      "Storage failure",
	codeTooManyAttempts:           "Too many login attempts",
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(e errx.ErrorX) int {
	if e.Code() == files.CodeFileTooLarge {
		return http.StatusRequestEntityTooLarge
	}

	switch e.Type() {
	case errx.T_Authentication:
		return http.StatusUnauthorized
	case errx.T_Forbidden:
		return http.StatusForbidden
	case errx.T_NotFound:
		return http.StatusNotFound
	case errx.T_Validation:
		return http.StatusBadRequest
	case errx.T_Conflict:
		return http.StatusConflict
	case errx.T_Throttling:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and a stable JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := errx.AsErrorX(err)
	status := statusFor(e)

	code := e.Code()
	message, ok := messages[code]
	if !ok {
		code, message = codeInternal, "Internal server error"
	}

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	} else {
		slog.InfoContext(r.Context(), "Request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	}

	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func errMalformed(msg string, cause error) error {
	d := errx.D{}
	if cause != nil {
		d["cause"] = cause.Error()
	}
	return errx.New(msg,
		errx.WithCode(files.CodeMalformedRequest),
		errx.WithType(errx.T_Validation),
		errx.WithDetails(d),
	)
}

func errBodyTooLarge(limit int64) error {
	return errx.New("request body too large",
		errx.WithCode(files.CodeFileTooLarge),
		errx.WithType(errx.T_Validation),
		errx.WithDetails(errx.D{"max_bytes": limit}),
	)
}

func errTooManyAttempts() error {
	return errx.New("too many login attempts",
		errx.WithCode(codeTooManyAttempts),
		errx.WithType(errx.T_Throttling),
	)
}
