package kraken

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrUnauthenticated is returned when an authenticated call is made before
	// any token or credentials are available.
	ErrUnauthenticated = errors.New("kraken: not authenticated")

	// ErrLedgerMissing is returned by GetBilling when the electricity ledger is
	// absent from the billing response.
	ErrLedgerMissing = errors.New("kraken: electricity ledger missing from billing info")

	// ErrInvalidSchedule is returned by SetDevicePreferences for any schedule that
	// is not exactly one valid entry per weekday.
	ErrInvalidSchedule = errors.New("kraken: invalid schedule")
)

// Kraken error codes that mean the token (or the credentials) were rejected.
var authErrorCodes = map[string]bool{
	"KT-CT-1111": true, // unauthorized
	"KT-CT-1112": true, // authorization header not provided
	"KT-CT-1124": true, // JWT expired
	"KT-CT-1134": true, // invalid refresh token
	"KT-CT-1138": true, // invalid credentials
	"KT-CT-1139": true, // invalid authorization header
	"KT-CT-1143": true, // token invalid
}

// GraphQLError is a single entry of the response "errors" array.
type GraphQLError struct {
	Message    string `json:"message"`
	Path       []any  `json:"path,omitempty"`
	Extensions struct {
		ErrorCode        string `json:"errorCode"`
		ErrorDescription string `json:"errorDescription"`
	} `json:"extensions"`
}

func (e GraphQLError) String() string {
	if e.Extensions.ErrorCode != "" {
		return e.Extensions.ErrorCode + ": " + e.Message
	}
	return e.Message
}

// AuthError means the credentials or the token were rejected. When returned
// from an authenticated call it means the retry after a fresh login was also
// rejected.
type AuthError struct {
	Op      string
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kraken %s: authentication failed (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("kraken %s: authentication failed: %s", e.Op, e.Message)
}

// APIError covers transport failures, non-auth GraphQL errors and malformed
// responses.
type APIError struct {
	Op         string
	StatusCode int
	Errors     []GraphQLError
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kraken %s", e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": http %d", e.StatusCode)
	}
	if len(e.Errors) > 0 {
		msgs := make([]string, 0, len(e.Errors))
		for _, ge := range e.Errors {
			msgs = append(msgs, ge.String())
		}
		fmt.Fprintf(&b, ": %s", strings.Join(msgs, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was a network timeout.
func (e *APIError) Timeout() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsAuthError reports whether err is (or wraps) an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// authFromGraphQL returns an *AuthError if any of errs carries an auth code.
func authFromGraphQL(op string, errs []GraphQLError) *AuthError {
	for _, ge := range errs {
		if authErrorCodes[ge.Extensions.ErrorCode] {
			return &AuthError{Op: op, Code: ge.Extensions.ErrorCode, Message: ge.Message}
		}
	}
	return nil
}
