// Package fault defines the error taxonomy shared by the catalog, the SSO
// session manager and the downloader.
package fault

import "errors"

// Code classifies a failure.
type Code string

const (
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeQuery              Code = "QUERY_ERROR"
	CodeInvalidParameter   Code = "INVALID_PARAMETER"
	CodeUnknownProduct     Code = "UNKNOWN_PRODUCT"
	CodeAuth               Code = "AUTH_ERROR"
	CodeLoginFlow          Code = "LOGIN_FLOW_ERROR"
	CodeProductUnavailable Code = "PRODUCT_UNAVAILABLE"
	CodeFileExists         Code = "FILE_EXISTS"
	CodeNetwork            Code = "NETWORK_ERROR"
	CodeOrderTimeout       Code = "ORDER_TIMEOUT"
	CodeCatalogPresent     Code = "CATALOG_PRESENT"
)

// Sentinels for errors.Is; any *Error with the same code matches.
var (
	ErrStoreUnavailable   = &Error{Code: CodeStoreUnavailable, Message: "catalog store unavailable"}
	ErrQuery              = &Error{Code: CodeQuery, Message: "query error"}
	ErrInvalidParameter   = &Error{Code: CodeInvalidParameter, Message: "invalid parameter"}
	ErrUnknownProduct     = &Error{Code: CodeUnknownProduct, Message: "unknown product"}
	ErrAuth               = &Error{Code: CodeAuth, Message: "authentication failed"}
	ErrLoginFlow          = &Error{Code: CodeLoginFlow, Message: "login flow broken"}
	ErrProductUnavailable = &Error{Code: CodeProductUnavailable, Message: "product unavailable"}
	ErrFileExists         = &Error{Code: CodeFileExists, Message: "file exists"}
	ErrNetwork            = &Error{Code: CodeNetwork, Message: "network error"}
	ErrOrderTimeout       = &Error{Code: CodeOrderTimeout, Message: "order wait exceeded"}
	ErrCatalogPresent     = &Error{Code: CodeCatalogPresent, Message: "catalog already present"}
)

// Error carries a Code, a human readable Message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code.
func New(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Message returns the message of the first *Error in err's chain, or err.Error().
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
