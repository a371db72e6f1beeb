package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies provider failures independently of the provider's own
// error codes.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindNotFound
	KindMalformed
	KindEmailInUse
	KindWeakCredential
)

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindNotFound:
		return "not_found"
	case KindMalformed:
		return "malformed"
	case KindEmailInUse:
		return "email_in_use"
	case KindWeakCredential:
		return "weak_credential"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *AuthError of the same kind.
var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrNotFound           = errors.New("identity: account not found")
	ErrMalformed          = errors.New("identity: malformed email")
	ErrEmailInUse         = errors.New("identity: email already in use")
	ErrWeakCredential     = errors.New("identity: weak credential")
)

func (k Kind) sentinel() error {
	switch k {
	case KindInvalidCredentials:
		return ErrInvalidCredentials
	case KindNotFound:
		return ErrNotFound
	case KindMalformed:
		return ErrMalformed
	case KindEmailInUse:
		return ErrEmailInUse
	case KindWeakCredential:
		return ErrWeakCredential
	default:
		return nil
	}
}

// AuthError is a classified identity provider failure. Code keeps the
// provider's original failure code.
type AuthError struct {
	Kind Kind
	Code string
	Err  error
}

// NewAuthError classifies code with KindFromCode.
func NewAuthError(code string, err error) *AuthError {
	return &AuthError{Kind: KindFromCode(code), Code: code, Err: err}
}

func (e *AuthError) Error() string {
	msg := "identity: " + e.Kind.String()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches the sentinel of e's kind.
func (e *AuthError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// KindOf returns the Kind of the first *AuthError in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

var codeKinds = map[string]Kind{
	// Hosted identity platform client codes.
	"auth/wrong-password":       KindInvalidCredentials,
	"auth/invalid-credential":   KindInvalidCredentials,
	"auth/user-not-found":       KindNotFound,
	"auth/invalid-email":        KindMalformed,
	"auth/email-already-in-use": KindEmailInUse,
	"auth/weak-password":        KindWeakCredential,

	// Identity toolkit REST codes.
	"INVALID_PASSWORD":          KindInvalidCredentials,
	"INVALID_LOGIN_CREDENTIALS": KindInvalidCredentials,
	"EMAIL_NOT_FOUND":           KindNotFound,
	"USER_NOT_FOUND":            KindNotFound,
	"INVALID_EMAIL":             KindMalformed,
	"MISSING_EMAIL":             KindMalformed,
	"EMAIL_EXISTS":              KindEmailInUse,
	"WEAK_PASSWORD":             KindWeakCredential,

	// OAuth 2.0 token endpoint codes.
	"invalid_grant":   KindInvalidCredentials,
	"invalid_request": KindMalformed,
}

// KindFromCode maps a provider-specific failure code to a Kind. Unknown
// codes map to KindUnknown. REST codes may carry a " : detail" suffix,
// which is ignored.
func KindFromCode(code string) Kind {
	code = strings.TrimSpace(code)
	if base, _, ok := strings.Cut(code, " : "); ok {
		code = base
	}
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindUnknown
}

// Errorf builds an *AuthError of kind k with a formatted cause.
func Errorf(k Kind, code string, format string, args ...any) *AuthError {
	return &AuthError{Kind: k, Code: code, Err: fmt.Errorf(format, args...)}
}
