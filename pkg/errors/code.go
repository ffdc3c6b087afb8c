package errors

import "net/http"

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Submission & Queue errors
// 13000-13999: Judge & Sandbox errors
// 14000-14999: Admission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalError    ErrorCode = 10001
	InvalidParams    ErrorCode = 10002
	NotFound         ErrorCode = 10003
	ValidationFailed ErrorCode = 10004

	// Infrastructure errors (10100-10199)
	DatabaseError      ErrorCode = 10100
	CacheError         ErrorCode = 10101
	QueueError         ErrorCode = 10102
	StorageError       ErrorCode = 10103
	ServiceUnavailable ErrorCode = 10104

	// ========== Submission & Queue Errors (12000-12999) ==========

	SubmissionNotFound ErrorCode = 12000
	SubmissionConflict ErrorCode = 12001
	InvalidTransition  ErrorCode = 12002
	TestDataMissing    ErrorCode = 12010
	TestDataInvalid    ErrorCode = 12011

	// ========== Judge & Sandbox Errors (13000-13999) ==========

	LanguageNotSupported ErrorCode = 13000
	CompileUnsupported   ErrorCode = 13001
	SandboxUnavailable   ErrorCode = 13010
	JudgeSystemError     ErrorCode = 13020

	// ========== Admission Errors (14000-14999) ==========

	TooManyRequests ErrorCode = 14000
)

var codeMessages = map[ErrorCode]string{
	Success:              "success",
	InternalError:        "internal error",
	InvalidParams:        "invalid parameters",
	NotFound:             "resource not found",
	ValidationFailed:     "validation failed",
	DatabaseError:        "database error",
	CacheError:           "cache error",
	QueueError:           "message queue error",
	StorageError:         "object storage error",
	ServiceUnavailable:   "service unavailable",
	SubmissionNotFound:   "submission not found",
	SubmissionConflict:   "submission already claimed",
	InvalidTransition:    "invalid submission state transition",
	TestDataMissing:      "test data missing",
	TestDataInvalid:      "test data invalid",
	LanguageNotSupported: "language not supported",
	CompileUnsupported:   "compilation not supported for language",
	SandboxUnavailable:   "sandbox unavailable",
	JudgeSystemError:     "judge system error",
	TooManyRequests:      "too many requests",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// HTTPStatus maps the error code to an HTTP status for the web surface.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case Success:
		return http.StatusOK
	case InvalidParams, ValidationFailed, LanguageNotSupported, CompileUnsupported, TestDataInvalid:
		return http.StatusBadRequest
	case NotFound, SubmissionNotFound, TestDataMissing:
		return http.StatusNotFound
	case SubmissionConflict, InvalidTransition:
		return http.StatusConflict
	case TooManyRequests:
		return http.StatusTooManyRequests
	case ServiceUnavailable, SandboxUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsInfrastructure reports whether the code describes a transient
// infrastructure fault handled by the recovery path, as opposed to a judging
// outcome or a request error.
func (c ErrorCode) IsInfrastructure() bool {
	switch c {
	case DatabaseError, CacheError, QueueError, StorageError, ServiceUnavailable, SandboxUnavailable:
		return true
	}
	return false
}
