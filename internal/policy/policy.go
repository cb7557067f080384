// Package policy holds the pure deadline arithmetic and admission rules of
// the arbitration protocol. Nothing here performs I/O or reads the clock.
package policy

import (
	"time"

	"github.com/etsangsplk/concent/internal/config"
	"github.com/etsangsplk/concent/internal/domain"
)

// Decision is the outcome of an admission check. Admitted is true when
// Reason is empty.
type Decision struct {
	Admitted bool
	Reason   domain.RefusalReason
	Detail   string
}

func admit() Decision { return Decision{Admitted: true} }

func refuse(reason domain.RefusalReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Engine evaluates protocol time bounds against an immutable Protocol value.
type Engine struct {
	p config.Protocol
}

// New creates an Engine for the given protocol constants.
func New(p config.Protocol) *Engine {
	return &Engine{p: p}
}

// Protocol returns the constants the engine was built with.
func (e *Engine) Protocol() config.Protocol { return e.p }

// AdmissionWindow returns the closed interval in which a dispute of a
// rejection timestamped at rejected is valid.
func (e *Engine) AdmissionWindow(rejected time.Time) (start, end time.Time) {
	return rejected, rejected.Add(e.p.AdditionalVerificationCallTime)
}

// InAdmissionWindow reports whether disputed falls inside the window.
func (e *Engine) InAdmissionWindow(rejected, disputed time.Time) bool {
	start, end := e.AdmissionWindow(rejected)
	return !disputed.Before(start) && !disputed.After(end)
}

// IsDisputableReason reports whether a rejection reason invites re-verification.
func IsDisputableReason(r domain.RejectionReason) bool {
	return r == domain.RejectionVerificationNegative
}

// CheckMessageTime refuses a message whose timestamp is further than the
// configured clock drift from now, in either direction.
func (e *Engine) CheckMessageTime(timestamp, now time.Time) Decision {
	drift := e.p.MessageClockDrift
	if timestamp.After(now.Add(drift)) {
		return refuse(domain.RefusalInvalidRequest, "message timestamp is in the future")
	}
	if timestamp.Before(now.Add(-drift)) {
		return refuse(domain.RefusalInvalidRequest, "message timestamp is too old")
	}
	return admit()
}

// CheckAdmission applies the rejection-reason gate, the freshness of the
// dispute and the admission window. Both the claimed dispute time and now
// must fall inside the window; now may overrun it by the clock drift only.
func (e *Engine) CheckAdmission(reason domain.RejectionReason, rejected, disputed, now time.Time) Decision {
	if !IsDisputableReason(reason) {
		return refuse(domain.RefusalInvalidRequest, "rejection reason "+string(reason)+" is not disputable")
	}
	if d := e.CheckMessageTime(disputed, now); !d.Admitted {
		return d
	}
	if !e.InAdmissionWindow(rejected, disputed) {
		return refuse(domain.RefusalInvalidRequest, "dispute is outside the additional verification window")
	}
	if _, end := e.AdmissionWindow(rejected); now.After(end.Add(e.p.MessageClockDrift)) {
		return refuse(domain.RefusalInvalidRequest, "additional verification window has closed")
	}
	return admit()
}

// AdditionalVerificationDeadline is the next_deadline of an admitted dispute.
func (e *Engine) AdditionalVerificationDeadline(now time.Time) time.Time {
	return now.Add(e.p.AdditionalVerificationCallTime)
}

// MaximumDownloadTime is the time needed to move size bytes at the minimum
// upload rate, plus the fixed lead-in. Partial seconds round up.
func (e *Engine) MaximumDownloadTime(size int64) time.Duration {
	bytesPerSec := e.p.MinimumUploadRate * 1024
	secs := (size + bytesPerSec - 1) / bytesPerSec
	if size <= 0 {
		secs = 0
	}
	return e.p.DownloadLeadinTime + time.Duration(secs)*time.Second
}

// UploadDeadline is the latest time a provider must finish uploading the
// result of a subtask whose computation deadline is subtaskDeadline.
func (e *Engine) UploadDeadline(subtaskDeadline time.Time, size int64) time.Time {
	return subtaskDeadline.Add(e.p.ConcentMessagingTime).Add(e.MaximumDownloadTime(size))
}

// DownloadDeadline is the latest time a requestor may download a forced
// result, counted from the upload deadline.
func (e *Engine) DownloadDeadline(subtaskDeadline time.Time, size int64) time.Time {
	return e.UploadDeadline(subtaskDeadline, size).Add(e.MaximumDownloadTime(size))
}

// ForceAcceptanceDeadline is the last moment a ForceGetTaskResult for a
// subtask with the given computation deadline is admitted.
func (e *Engine) ForceAcceptanceDeadline(subtaskDeadline time.Time) time.Time {
	return subtaskDeadline.Add(e.p.ForceAcceptanceTime)
}

// CheckForceGetTaskResult admits a forced result transfer while now is not
// past the force acceptance deadline.
func (e *Engine) CheckForceGetTaskResult(subtaskDeadline, now time.Time) Decision {
	if now.After(e.ForceAcceptanceDeadline(subtaskDeadline)) {
		return refuse(domain.RefusalInvalidRequest, "force acceptance time has passed")
	}
	return admit()
}
