package files

import (
	"errors"

	"github.com/code19m/errx"
)

const (
	CodeNotFound         = "NOT_FOUND"
	CodeContentMissing   = "CONTENT_MISSING"
	CodeInvalidFileType  = "INVALID_FILE_TYPE"
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeMalformedRequest = "MALFORMED_REQUEST"
	CodeStorageFailure   = "STORAGE_FAILURE"
)

// Errors returned by FileStorage implementations.
var (
	ErrStagedTooLarge = errors.New("staged content exceeds limit")
	ErrNameTaken      = errors.New("storage name already in use")
	ErrUnreadable     = errors.New("content could not be read")
)

func errNotFound(key string) error {
	return errx.New("file not found",
		errx.WithCode(CodeNotFound),
		errx.WithType(errx.T_NotFound),
		errx.WithDetails(errx.D{"key": key}),
	)
}

func errContentMissing(name string) error {
	return errx.New("file content not available",
		errx.WithCode(CodeContentMissing),
		errx.WithType(errx.T_NotFound),
		errx.WithDetails(errx.D{"filename": name}),
	)
}

func errInvalidFileType(ext string) error {
	return errx.New("file type not allowed",
		errx.WithCode(CodeInvalidFileType),
		errx.WithType(errx.T_Validation),
		errx.WithDetails(errx.D{"extension": ext}),
	)
}

func errFileTooLarge(limit int64) error {
	return errx.New("file too large",
		errx.WithCode(CodeFileTooLarge),
		errx.WithType(errx.T_Validation),
		errx.WithDetails(errx.D{"max_bytes": limit}),
	)
}

func errMalformed(msg string, cause error) error {
	d := errx.D{}
	if cause != nil {
		d["cause"] = cause.Error()
	}
	return errx.New(msg,
		errx.WithCode(CodeMalformedRequest),
		errx.WithType(errx.T_Validation),
		errx.WithDetails(d),
	)
}

func errStorage(msg string, cause error) error {
	return errx.New(msg,
		errx.WithCode(CodeStorageFailure),
		errx.WithType(errx.T_Internal),
		errx.WithDetails(errx.D{"cause": cause.Error()}),
	)
}
