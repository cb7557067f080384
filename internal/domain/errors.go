package domain

import "fmt"

// ErrorCode is a client-visible structural error code. It is separate from
// protocol-level refusal reasons.
type ErrorCode string

// ConcentError is the unified structural error type.
type ConcentError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *ConcentError) Error() string {
	return fmt.Sprintf("concent error %s: %s", e.Code, e.Message)
}

// Is matches any ConcentError carrying the same code, so wrapped variants
// created with NewError still satisfy errors.Is against the sentinels.
func (e *ConcentError) Is(target error) bool {
	t, ok := target.(*ConcentError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a ConcentError for code with a specific message.
func NewError(code ErrorCode, msg string) *ConcentError {
	return &ConcentError{Code: code, Message: msg}
}

// WrapError creates a ConcentError that includes a cause.
func WrapError(code ErrorCode, msg string, cause error) *ConcentError {
	return &ConcentError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Request / message errors ----

const (
	CodeMessageInvalid             ErrorCode = "MESSAGE_INVALID"
	CodeMessageSignatureWrong      ErrorCode = "MESSAGE_SIGNATURE_WRONG"
	CodeMessageUnexpected          ErrorCode = "MESSAGE_UNEXPECTED"
	CodeHeaderClientKeyMissing     ErrorCode = "HEADER_CLIENT_PUBLIC_KEY_MISSING"
	CodeHeaderClientKeyWrong       ErrorCode = "HEADER_CLIENT_PUBLIC_KEY_WRONG"
	CodeSubtaskTransitionForbidden ErrorCode = "QUEUE_SUBTASK_STATE_TRANSITION_NOT_ALLOWED"
	CodeSoftShutdown               ErrorCode = "SERVICE_SOFT_SHUTDOWN"
	CodeRateLimitExceeded          ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeAdminUnauthorized          ErrorCode = "ADMIN_UNAUTHORIZED"
)

var (
	ErrMessageInvalid        = &ConcentError{Code: CodeMessageInvalid, Message: "message is malformed"}
	ErrMessageSignatureWrong = &ConcentError{Code: CodeMessageSignatureWrong, Message: "message signature does not match the expected signer"}
	ErrMessageUnexpected     = &ConcentError{Code: CodeMessageUnexpected, Message: "message type is not handled by this endpoint"}
	ErrClientKeyMissing      = &ConcentError{Code: CodeHeaderClientKeyMissing, Message: "Concent-Client-Public-Key header is missing"}
	ErrClientKeyWrong        = &ConcentError{Code: CodeHeaderClientKeyWrong, Message: "Concent-Client-Public-Key header is malformed"}
	ErrTransitionNotAllowed  = &ConcentError{Code: CodeSubtaskTransitionForbidden, Message: "subtask state transition is not allowed"}
	ErrSoftShutdown          = &ConcentError{Code: CodeSoftShutdown, Message: "service is in soft shutdown mode"}
	ErrRateLimitExceeded     = &ConcentError{Code: CodeRateLimitExceeded, Message: "rate limit exceeded"}
	ErrAdminUnauthorized     = &ConcentError{Code: CodeAdminUnauthorized, Message: "missing or wrong admin token"}
)

// ---- Ledger errors ----

const (
	CodeSubtaskNotFound  ErrorCode = "SUBTASK_NOT_FOUND"
	CodeOptimisticLock   ErrorCode = "OPTIMISTIC_LOCK"
	CodeDuplicateSubtask ErrorCode = "DUPLICATE_SUBTASK"
	CodeStoreWrite       ErrorCode = "STORE_WRITE"
	CodeNotEscalated     ErrorCode = "SUBTASK_NOT_ESCALATED"
)

var (
	ErrSubtaskNotFound  = &ConcentError{Code: CodeSubtaskNotFound, Message: "subtask not found"}
	ErrOptimisticLock   = &ConcentError{Code: CodeOptimisticLock, Message: "optimistic lock conflict: subtask was modified concurrently"}
	ErrDuplicateSubtask = &ConcentError{Code: CodeDuplicateSubtask, Message: "subtask already exists"}
	ErrNotEscalated     = &ConcentError{Code: CodeNotEscalated, Message: "subtask is not awaiting manual resolution"}
)

// ---- Storage / config errors ----

const (
	CodeStorageUnexpected ErrorCode = "STORAGE_UNEXPECTED_RESPONSE"
	CodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
)

var (
	ErrStorageUnexpected = &ConcentError{Code: CodeStorageUnexpected, Message: "storage cluster returned an unexpected response"}
	ErrConfigInvalid     = &ConcentError{Code: CodeConfigInvalid, Message: "invalid configuration"}
)

// Worker error codes recorded with ERROR verdicts.
const (
	WorkerFileDownloadFailed     = "FILE_DOWNLOAD_FAILED"
	WorkerUnpackingArchiveFailed = "UNPACKING_ARCHIVE_FAILED"
	WorkerRenderingFailed        = "RENDERING_FAILED"
	WorkerComparisonFailed       = "COMPARISON_FAILED"
)
