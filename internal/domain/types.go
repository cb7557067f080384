// Package domain defines the core types of the concent arbitration service.
package domain

import (
	"fmt"
	"time"
)

// SubtaskState is the lifecycle state of a disputed or forced subtask.
// Values are persisted by name; see ParseSubtaskState.
type SubtaskState string

const (
	SubtaskReported               SubtaskState = "REPORTED"
	SubtaskAdditionalVerification SubtaskState = "ADDITIONAL_VERIFICATION"
	SubtaskAccepted               SubtaskState = "ACCEPTED"
	SubtaskFailed                 SubtaskState = "FAILED"
	SubtaskResultUploaded         SubtaskState = "RESULT_UPLOADED"
	SubtaskForcingResultTransfer  SubtaskState = "FORCING_RESULT_TRANSFER"
)

var subtaskStates = map[string]SubtaskState{
	string(SubtaskReported):               SubtaskReported,
	string(SubtaskAdditionalVerification): SubtaskAdditionalVerification,
	string(SubtaskAccepted):               SubtaskAccepted,
	string(SubtaskFailed):                 SubtaskFailed,
	string(SubtaskResultUploaded):         SubtaskResultUploaded,
	string(SubtaskForcingResultTransfer):  SubtaskForcingResultTransfer,
}

// ParseSubtaskState maps a persisted name back to a SubtaskState.
// Unknown names are rejected instead of defaulting.
func ParseSubtaskState(s string) (SubtaskState, error) {
	st, ok := subtaskStates[s]
	if !ok {
		return "", fmt.Errorf("unknown subtask state %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no automatic transition can leave the state.
func (s SubtaskState) IsTerminal() bool {
	switch s {
	case SubtaskAccepted, SubtaskFailed, SubtaskResultUploaded:
		return true
	}
	return false
}

// Queue selects how a PendingResponse is delivered.
type Queue string

const (
	QueueReceive          Queue = "Receive"
	QueueReceiveOutOfBand Queue = "ReceiveOutOfBand"
)

// ParseQueue maps a persisted name back to a Queue.
func ParseQueue(s string) (Queue, error) {
	switch Queue(s) {
	case QueueReceive, QueueReceiveOutOfBand:
		return Queue(s), nil
	}
	return "", fmt.Errorf("unknown pending response queue %q", s)
}

// ResponseType names the outbound message a PendingResponse turns into.
type ResponseType string

const (
	ResponseSubtaskResultsSettled      ResponseType = "SubtaskResultsSettled"
	ResponseSubtaskResultsRejected     ResponseType = "SubtaskResultsRejected"
	ResponseForceGetTaskResultUpload   ResponseType = "ForceGetTaskResultUpload"
	ResponseForceGetTaskResultDownload ResponseType = "ForceGetTaskResultDownload"
)

// ParseResponseType maps a persisted name back to a ResponseType.
func ParseResponseType(s string) (ResponseType, error) {
	switch ResponseType(s) {
	case ResponseSubtaskResultsSettled,
		ResponseSubtaskResultsRejected,
		ResponseForceGetTaskResultUpload,
		ResponseForceGetTaskResultDownload:
		return ResponseType(s), nil
	}
	return "", fmt.Errorf("unknown response type %q", s)
}

// Verdict is the worker's outcome for a re-verification.
type Verdict string

const (
	VerdictMatch    Verdict = "MATCH"
	VerdictMismatch Verdict = "MISMATCH"
	VerdictError    Verdict = "ERROR"
)

// ParseVerdict maps a reported verdict name to a Verdict.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictMatch, VerdictMismatch, VerdictError:
		return Verdict(s), nil
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// RefusalReason is carried by ServiceRefused messages.
type RefusalReason string

const (
	RefusalDuplicateRequest         RefusalReason = "DuplicateRequest"
	RefusalInvalidRequest           RefusalReason = "InvalidRequest"
	RefusalTooSmallRequestorDeposit RefusalReason = "TooSmallRequestorDeposit"
)

// RejectionReason is the requestor's stated reason for rejecting results.
type RejectionReason string

const (
	RejectionVerificationNegative        RejectionReason = "VerificationNegative"
	RejectionResourcesFailure            RejectionReason = "ResourcesFailure"
	RejectionConcentResourcesFailure     RejectionReason = "ConcentResourcesFailure"
	RejectionConcentVerificationNegative RejectionReason = "ConcentVerificationNegative"
)

// Operation is the single operation a FileTransferToken authorizes.
type Operation string

const (
	OperationUpload   Operation = "upload"
	OperationDownload Operation = "download"
)

// FileCategory classifies an entry of a FileTransferToken.
type FileCategory string

const (
	CategorySource FileCategory = "source"
	CategoryResult FileCategory = "result"
	CategoryScene  FileCategory = "scene"
)

// OutputFormat is the image format requested from the renderer.
type OutputFormat string

const (
	FormatPNG OutputFormat = "PNG"
	FormatJPG OutputFormat = "JPG"
	FormatEXR OutputFormat = "EXR"
)

// ParseOutputFormat validates a requested renderer output format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case FormatPNG, FormatJPG, FormatEXR:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// Client is a public-key identity. Role is contextual.
type Client struct {
	ID        int64
	PublicKey []byte
	CreatedAt time.Time
}

// StoredMessage is an immutable record of a raw signed protocol message.
type StoredMessage struct {
	ID        int64
	Type      string
	Timestamp time.Time
	Data      []byte
	TaskID    string
	SubtaskID string
}

// Subtask is the central ledger entity.
type Subtask struct {
	TaskID           string
	SubtaskID        string
	ProviderKey      []byte
	RequestorKey     []byte
	State            SubtaskState
	NextDeadline     *time.Time
	TaskToComputeID  *int64
	ReportComputedID *int64
	StateVersion     int64
	Escalated        bool
	EscalationCode   string
	EscalationDetail string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the subtask has a pending automatic transition that is due.
func (s *Subtask) Expired(now time.Time) bool {
	return s.NextDeadline != nil && now.After(*s.NextDeadline)
}

// PaymentInfo records a payment commitment attached to a PendingResponse.
type PaymentInfo struct {
	ID                 int64
	PaymentTS          time.Time
	TaskOwnerKey       []byte
	ProviderEthAccount string
	AmountPaid         uint64
	AmountPending      uint64
	RecipientType      string
}

// PendingResponse is a queued outbound message for one client.
type PendingResponse struct {
	ID           string
	ResponseType ResponseType
	ClientKey    []byte
	Queue        Queue
	TaskID       string
	SubtaskID    string
	Delivered    bool
	Payment      *PaymentInfo
	CreatedAt    time.Time
}

// FileInfo is one file a FileTransferToken covers.
type FileInfo struct {
	Path     string       `json:"path"`
	Checksum string       `json:"checksum"`
	Size     int64        `json:"size"`
	Category FileCategory `json:"category"`
}

// FileTransferToken authorizes one operation on a fixed list of files.
type FileTransferToken struct {
	Timestamp                 int64      `json:"timestamp"`
	TokenExpirationDeadline   int64      `json:"token_expiration_deadline"`
	StorageClusterAddress     string     `json:"storage_cluster_address"`
	AuthorizedClientPublicKey []byte     `json:"authorized_client_public_key"`
	Operation                 Operation  `json:"operation"`
	Files                     []FileInfo `json:"files"`
}

// VerificationRequest is the persisted worker order for an admitted dispute.
type VerificationRequest struct {
	SubtaskID          string
	TaskID             string
	SourcePackagePath  string
	SourceSize         int64
	SourcePackageHash  string
	ResultPackagePath  string
	ResultSize         int64
	ResultPackageHash  string
	OutputFormat       OutputFormat
	SceneFile          string
	UploadFinished     bool
	UploadAcknowledged bool
	CreatedAt          time.Time
}

// VerificationOrder is the job handed to the worker queue.
type VerificationOrder struct {
	JobID             string       `json:"job_id"`
	SubtaskID         string       `json:"subtask_id"`
	SourcePackagePath string       `json:"source_package_path"`
	SourceSize        int64        `json:"source_size"`
	SourcePackageHash string       `json:"source_package_hash"`
	ResultPackagePath string       `json:"result_package_path"`
	ResultSize        int64        `json:"result_size"`
	ResultPackageHash string       `json:"result_package_hash"`
	OutputFormat      OutputFormat `json:"output_format"`
	SceneFile         string       `json:"scene_file"`
}

// OrderFromRequest builds the worker order for a persisted request.
func OrderFromRequest(jobID string, r VerificationRequest) VerificationOrder {
	return VerificationOrder{
		JobID:             jobID,
		SubtaskID:         r.SubtaskID,
		SourcePackagePath: r.SourcePackagePath,
		SourceSize:        r.SourceSize,
		SourcePackageHash: r.SourcePackageHash,
		ResultPackagePath: r.ResultPackagePath,
		ResultSize:        r.ResultSize,
		ResultPackageHash: r.ResultPackageHash,
		OutputFormat:      r.OutputFormat,
		SceneFile:         r.SceneFile,
	}
}

// ReportKind distinguishes worker reports on the report queue.
type ReportKind string

const (
	ReportUploadAcknowledged ReportKind = "upload_acknowledged"
	ReportVerdict            ReportKind = "verdict"
)

// WorkerReport is a message from the worker back to the arbiter.
type WorkerReport struct {
	Kind      ReportKind `json:"kind"`
	SubtaskID string     `json:"subtask_id"`
	Verdict   Verdict    `json:"verdict,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	ErrorCode string     `json:"error_code,omitempty"`
}

// DispatchJob is an outbox row for a scheduled worker order.
type DispatchJob struct {
	JobID     string
	SubtaskID string
	Status    string
	Attempts  int
	CreatedAt time.Time
	FiredAt   *time.Time
}

// Dispatch job statuses.
const (
	DispatchPending = "pending"
	DispatchFired   = "fired"
)

// UploadReport records a storage cluster upload notification.
type UploadReport struct {
	ID        int64
	Path      string
	SubtaskID string
	CreatedAt time.Time
}

// AuditRecord logs escalations, dropped reports and manual resolutions.
type AuditRecord struct {
	ID         string
	SubtaskID  string
	Category   string
	Actor      string
	Action     string
	DetailJSON string
	Severity   string
	CreatedAt  int64
}
