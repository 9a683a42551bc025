package server

import "fmt"

// OAuth2 error codes surfaced to callers, per RFC 6749 and RFC 6750.
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrInvalidScope            = "invalid_scope"
	ErrInvalidToken            = "invalid_token"
	ErrInsufficientScope       = "insufficient_scope"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrServerError             = "server_error"
)

// OAuthError is the structured error pair every public operation returns.
// Internal failures never cross the engine boundary as raw errors; they are
// converted to one of the codes above.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func oauthErr(code, description string) *OAuthError {
	return &OAuthError{Code: code, Description: description}
}

func oauthErrf(code, format string, args ...any) *OAuthError {
	return &OAuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}
