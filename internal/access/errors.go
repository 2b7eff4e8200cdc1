package access

import "github.com/code19m/errx"

const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeUnknownUser        = "UNKNOWN_USER"
)

// ErrInvalidCredentials is returned by identity providers for a failed login.
var ErrInvalidCredentials = errx.New("invalid credentials",
	errx.WithCode(CodeInvalidCredentials),
	errx.WithType(errx.T_Authentication),
)

// ErrUnknownUser is returned by Lookup when the username no longer exists.
var ErrUnknownUser = errx.New("unknown user",
	errx.WithCode(CodeUnknownUser),
	errx.WithType(errx.T_Authentication),
)
