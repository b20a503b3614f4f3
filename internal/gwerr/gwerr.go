// Package gwerr defines the gateway's client-facing error codes.
//
// These mirror the coded_error/err_to_str pair from the original
// implementation, but as a plain Go error value instead of an exception
// type: classification happens by returning one of these from
// internal/driver as a *Error, and callers read its Code directly.
package gwerr

import "fmt"

// Code is a gateway error code, echoed to clients in a reply's "code" field.
type Code uint32

const (
	Success    Code = 0x0
	BadProto   Code = 0x1
	BadReq     Code = 0x2
	BadTxn     Code = 0x3
	BadArg     Code = 0x4
	BadCaller  Code = 0x5
	DBDup      Code = 0x11
	DBNoRef    Code = 0x12
	DBReffed   Code = 0x13
	DBStmt     Code = 0x21
	DBTxn      Code = 0x22
	TxnTimeout Code = 0x23
	NotSupport Code = 0x31
)

// defaultMessage returns the canonical human-readable message for a code,
// used whenever a caller doesn't supply a more specific one.
func defaultMessage(c Code) string {
	switch c {
	case Success:
		return "success"
	case BadProto:
		return "protocol error"
	case BadReq:
		return "bad request"
	case BadTxn:
		return "unknown transaction, perhaps it timed out earlier"
	case BadArg:
		return "bad argument for sql statement"
	case BadCaller:
		return "transaction was initiated by another caller"
	case DBDup:
		return "duplicate key when inserting"
	case DBNoRef:
		return "foreign reference not found when inserting/updating"
	case DBReffed:
		return "key is referenced, cannot delete"
	case DBStmt:
		return "statement execution failed, you may retry"
	case DBTxn:
		return "statement execution failed, transaction is doomed"
	case TxnTimeout:
		return "transaction has timed out, do not continue"
	case NotSupport:
		return "statement to execute is not supported"
	default:
		return "unknown error"
	}
}

// Error is a gateway-level error carrying a client-facing code and message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gwerr %#x: %s", uint32(e.Code), e.Message)
}

// New builds an Error with the code's canonical default message.
func New(c Code) *Error {
	return &Error{Code: c, Message: defaultMessage(c)}
}

// Newf builds an Error with a caller-supplied message.
func Newf(c Code, format string, args ...any) *Error {
	return &Error{Code: c, Message: fmt.Sprintf(format, args...)}
}
