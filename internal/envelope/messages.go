package envelope

import (
	"encoding/json"

	"github.com/etsangsplk/concent/internal/domain"
)

// Type is the logical protocol message type carried by an envelope.
type Type string

const (
	TypeTaskToCompute              Type = "TaskToCompute"
	TypeReportComputedTask         Type = "ReportComputedTask"
	TypeSubtaskResultsRejected     Type = "SubtaskResultsRejected"
	TypeSubtaskResultsVerify       Type = "SubtaskResultsVerify"
	TypeAckSubtaskResultsVerify    Type = "AckSubtaskResultsVerify"
	TypeSubtaskResultsSettled      Type = "SubtaskResultsSettled"
	TypeForceGetTaskResult         Type = "ForceGetTaskResult"
	TypeAckForceGetTaskResult      Type = "AckForceGetTaskResult"
	TypeForceGetTaskResultUpload   Type = "ForceGetTaskResultUpload"
	TypeForceGetTaskResultDownload Type = "ForceGetTaskResultDownload"
	TypeServiceRefused             Type = "ServiceRefused"
	TypeFileTransferToken          Type = "FileTransferToken"
	TypeClientAuthorization        Type = "ClientAuthorization"
)

// ComputeTaskDef describes the rendering job for one subtask.
type ComputeTaskDef struct {
	TaskID       string              `json:"task_id"`
	SubtaskID    string              `json:"subtask_id"`
	Deadline     int64               `json:"deadline"`
	OutputFormat domain.OutputFormat `json:"output_format"`
	SceneFile    string              `json:"scene_file"`
}

// TaskToCompute is the task agreement, signed by the requestor.
type TaskToCompute struct {
	ComputeTaskDef           ComputeTaskDef `json:"compute_task_def"`
	RequestorPublicKey       []byte         `json:"requestor_public_key"`
	ProviderPublicKey        []byte         `json:"provider_public_key"`
	RequestorEthereumAddress string         `json:"requestor_ethereum_address"`
	ProviderEthereumAddress  string         `json:"provider_ethereum_address"`
	Price                    uint64         `json:"price"`
	// Source package as shipped by the requestor.
	PackageHash string `json:"package_hash"`
	Size        int64  `json:"size"`
}

// ReportComputedTask is the provider's report of a finished computation.
type ReportComputedTask struct {
	TaskToCompute json.RawMessage `json:"task_to_compute"`
	PackageHash   string          `json:"package_hash"`
	Size          int64           `json:"size"`
}

// SubtaskResultsRejected is the requestor's rejection of a reported result.
type SubtaskResultsRejected struct {
	ReportComputedTask json.RawMessage        `json:"report_computed_task,omitempty"`
	Reason             domain.RejectionReason `json:"reason"`
}

// SubtaskResultsVerify is the provider's dispute of a rejection.
type SubtaskResultsVerify struct {
	SubtaskResultsRejected json.RawMessage `json:"subtask_results_rejected"`
}

// AckSubtaskResultsVerify acknowledges an admitted dispute.
type AckSubtaskResultsVerify struct {
	SubtaskResultsVerify json.RawMessage `json:"subtask_results_verify"`
	FileTransferToken    json.RawMessage `json:"file_transfer_token"`
}

// SubtaskResultsSettled tells both parties that a dispute was resolved in
// the provider's favor.
type SubtaskResultsSettled struct {
	Origin        string          `json:"origin"`
	TaskToCompute json.RawMessage `json:"task_to_compute,omitempty"`
	Payment       *Payment        `json:"payment,omitempty"`
}

// Settlement origins.
const (
	OriginResultsVerified = "ResultsVerified"
	OriginDeadlineExpired = "DeadlineExpired"
)

// ForceGetTaskResult is the requestor's request to force a result upload.
type ForceGetTaskResult struct {
	ReportComputedTask json.RawMessage `json:"report_computed_task"`
}

// AckForceGetTaskResult acknowledges an admitted ForceGetTaskResult.
type AckForceGetTaskResult struct {
	ForceGetTaskResult json.RawMessage `json:"force_get_task_result"`
}

// ForceGetTaskResultUpload asks the provider to upload the result.
type ForceGetTaskResultUpload struct {
	ForceGetTaskResult json.RawMessage `json:"force_get_task_result"`
	FileTransferToken  json.RawMessage `json:"file_transfer_token"`
}

// ForceGetTaskResultDownload tells the requestor the result is ready.
type ForceGetTaskResultDownload struct {
	ForceGetTaskResult json.RawMessage `json:"force_get_task_result"`
	FileTransferToken  json.RawMessage `json:"file_transfer_token"`
}

// ServiceRefused is a protocol-level refusal.
type ServiceRefused struct {
	Reason    domain.RefusalReason `json:"reason"`
	SubtaskID string               `json:"subtask_id,omitempty"`
}

// ClientAuthorization proves possession of a key when polling.
type ClientAuthorization struct {
	ClientPublicKey []byte `json:"client_public_key"`
}

// Payment is attached to settlement responses.
type Payment struct {
	PaymentTS          int64  `json:"payment_ts"`
	TaskOwnerKey       []byte `json:"task_owner_key"`
	ProviderEthAccount string `json:"provider_eth_account"`
	AmountPaid         uint64 `json:"amount_paid"`
	AmountPending      uint64 `json:"amount_pending"`
	RecipientType      string `json:"recipient_type"`
}

// Chain is a fully decoded dispute: the dispute itself and every message it
// references, each with its original signed envelope.
type Chain struct {
	Verify         *Envelope
	Rejected       *Envelope
	Report         *Envelope
	Task           *Envelope
	Rejection      SubtaskResultsRejected
	ReportComputed ReportComputedTask
	TaskToCompute  TaskToCompute
}

// OpenNested parses a nested raw envelope and checks its type.
func OpenNested(raw json.RawMessage, typ Type) (*Envelope, error) {
	env, err := Open(raw)
	if err != nil {
		return nil, err
	}
	if err := env.Expect(typ); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeReport decodes a ReportComputedTask envelope down to its task agreement.
func DecodeReport(report *Envelope) (ReportComputedTask, *Envelope, TaskToCompute, error) {
	var rct ReportComputedTask
	var ttc TaskToCompute
	if err := report.Decode(&rct); err != nil {
		return rct, nil, ttc, err
	}
	task, err := OpenNested(rct.TaskToCompute, TypeTaskToCompute)
	if err != nil {
		return rct, nil, ttc, err
	}
	if err := task.Decode(&ttc); err != nil {
		return rct, nil, ttc, err
	}
	if ttc.ComputeTaskDef.TaskID == "" || ttc.ComputeTaskDef.SubtaskID == "" {
		return rct, nil, ttc, domain.NewError(domain.CodeMessageInvalid, "task_to_compute has no task or subtask id")
	}
	if !ValidPublicKey(ttc.RequestorPublicKey) || !ValidPublicKey(ttc.ProviderPublicKey) {
		return rct, nil, ttc, domain.NewError(domain.CodeMessageInvalid, "task_to_compute carries a malformed public key")
	}
	return rct, task, ttc, nil
}

// DecodeChain decodes a SubtaskResultsVerify envelope and the chain of
// messages it embeds. Signatures of the nested messages are not checked.
func DecodeChain(verify *Envelope) (*Chain, error) {
	if err := verify.Expect(TypeSubtaskResultsVerify); err != nil {
		return nil, err
	}
	var srv SubtaskResultsVerify
	if err := verify.Decode(&srv); err != nil {
		return nil, err
	}
	rejected, err := OpenNested(srv.SubtaskResultsRejected, TypeSubtaskResultsRejected)
	if err != nil {
		return nil, err
	}
	c := &Chain{Verify: verify, Rejected: rejected}
	if err := rejected.Decode(&c.Rejection); err != nil {
		return nil, err
	}
	c.Report, err = OpenNested(c.Rejection.ReportComputedTask, TypeReportComputedTask)
	if err != nil {
		return nil, err
	}
	c.ReportComputed, c.Task, c.TaskToCompute, err = DecodeReport(c.Report)
	if err != nil {
		return nil, err
	}
	return c, nil
}
