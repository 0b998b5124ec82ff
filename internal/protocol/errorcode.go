package protocol

import "fmt"

// ErrorCode is the wire-visible error enum shared by clients and servers.
type ErrorCode uint16

const (
	Success                ErrorCode = 0
	RequestTimeout         ErrorCode = 1
	ServerNotFound         ErrorCode = 2
	StageNotFound          ErrorCode = 3
	ActorNotFound          ErrorCode = 4
	AuthenticationFailed   ErrorCode = 5
	NotAuthenticated       ErrorCode = 6
	AlreadyAuthenticated   ErrorCode = 7
	StageAlreadyExists     ErrorCode = 8
	StageCreationFailed    ErrorCode = 9
	JoinStageFailed        ErrorCode = 10
	InvalidMessage         ErrorCode = 11
	HandlerNotFound        ErrorCode = 12
	InvalidStageType       ErrorCode = 13
	SystemError            ErrorCode = 14
	UncheckedContentsError ErrorCode = 15
	InvalidAccountID       ErrorCode = 16
	JoinStageRejected      ErrorCode = 17
	InternalError          ErrorCode = 99

	// ApplicationBase is the first code available to user content.
	ApplicationBase ErrorCode = 1000
)

var errorCodeNames = map[ErrorCode]string{
	Success:                "Success",
	RequestTimeout:         "RequestTimeout",
	ServerNotFound:         "ServerNotFound",
	StageNotFound:          "StageNotFound",
	ActorNotFound:          "ActorNotFound",
	AuthenticationFailed:   "AuthenticationFailed",
	NotAuthenticated:       "NotAuthenticated",
	AlreadyAuthenticated:   "AlreadyAuthenticated",
	StageAlreadyExists:     "StageAlreadyExists",
	StageCreationFailed:    "StageCreationFailed",
	JoinStageFailed:        "JoinStageFailed",
	InvalidMessage:         "InvalidMessage",
	HandlerNotFound:        "HandlerNotFound",
	InvalidStageType:       "InvalidStageType",
	SystemError:            "SystemError",
	UncheckedContentsError: "UncheckedContentsError",
	InvalidAccountID:       "InvalidAccountID",
	JoinStageRejected:      "JoinStageRejected",
	InternalError:          "InternalError",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint16(c))
}

// PlayError carries a wire error code together with context for logs.
// User handlers return it (directly or wrapped) to abort with a specific code.
type PlayError struct {
	Code    ErrorCode
	Context string
	Cause   error
}

// NewPlayError builds a PlayError without a cause.
func NewPlayError(code ErrorCode, context string) *PlayError {
	return &PlayError{Code: code, Context: context}
}

func (e *PlayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Context, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Context)
	}
	return e.Code.String()
}

func (e *PlayError) Unwrap() error {
	return e.Cause
}

// CodeOf maps an error to its wire code. A nil error is Success, a PlayError
// anywhere in the chain yields its code, anything else is the unchecked
// contents code so user panics and plain errors never leak internals.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	for e := err; e != nil; {
		if pe, ok := e.(*PlayError); ok {
			return pe.Code
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return UncheckedContentsError
}
