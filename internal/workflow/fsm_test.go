package workflow

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/store"
)

var (
	testNow      = time.Unix(1_700_000_000, 0)
	providerKey  = []byte("provider-key")
	requestorKey = []byte("requestor-key")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedger(db, func() time.Time { return testNow })
}

func change(state domain.SubtaskState, deadline *time.Time) SubtaskChange {
	return SubtaskChange{
		TaskID:       "task-1",
		SubtaskID:    "sub-1",
		ProviderKey:  providerKey,
		RequestorKey: requestorKey,
		State:        state,
		NextDeadline: deadline,
	}
}

func apply(t *testing.T, l *Ledger, c SubtaskChange) (*domain.Subtask, error) {
	t.Helper()
	var out *domain.Subtask
	err := l.WithTx(context.Background(), func(tx *sql.Tx) error {
		s, err := l.StoreOrUpdateSubtaskTx(context.Background(), tx, c)
		out = s
		return err
	})
	return out, err
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to domain.SubtaskState
		want     bool
	}{
		{domain.SubtaskReported, domain.SubtaskAdditionalVerification, true},
		{domain.SubtaskAdditionalVerification, domain.SubtaskAccepted, true},
		{domain.SubtaskAdditionalVerification, domain.SubtaskFailed, true},
		{domain.SubtaskForcingResultTransfer, domain.SubtaskResultUploaded, true},
		{domain.SubtaskReported, domain.SubtaskAccepted, false},
		{domain.SubtaskAccepted, domain.SubtaskAdditionalVerification, false},
		{domain.SubtaskFailed, domain.SubtaskAccepted, false},
		{domain.SubtaskAdditionalVerification, domain.SubtaskAdditionalVerification, false},
		{domain.SubtaskResultUploaded, domain.SubtaskForcingResultTransfer, false},
		{domain.SubtaskForcingResultTransfer, domain.SubtaskAccepted, false},
	}
	for _, tt := range tests {
		if got := IsValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStoreOrUpdate_CreateThenTransition(t *testing.T) {
	l := newTestLedger(t)
	deadline := testNow.Add(time.Hour)

	s, err := apply(t, l, change(domain.SubtaskReported, nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1", s.StateVersion)
	}

	s, err = apply(t, l, change(domain.SubtaskAdditionalVerification, &deadline))
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if s.StateVersion != 2 {
		t.Errorf("StateVersion = %d, want 2", s.StateVersion)
	}

	got, err := l.GetSubtask(context.Background(), "sub-1")
	if err != nil {
		t.Fatalf("GetSubtask: %v", err)
	}
	if got.State != domain.SubtaskAdditionalVerification {
		t.Errorf("State = %s", got.State)
	}
	if got.NextDeadline == nil || !got.NextDeadline.Equal(deadline) {
		t.Errorf("NextDeadline = %v, want %v", got.NextDeadline, deadline)
	}
}

func TestStoreOrUpdate_IllegalTransitionWritesNothing(t *testing.T) {
	l := newTestLedger(t)
	deadline := testNow.Add(time.Hour)
	if _, err := apply(t, l, change(domain.SubtaskAdditionalVerification, &deadline)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := apply(t, l, change(domain.SubtaskAccepted, nil)); err != nil {
		t.Fatalf("accept: %v", err)
	}

	_, err := apply(t, l, change(domain.SubtaskAdditionalVerification, &deadline))
	if !errors.Is(err, domain.ErrTransitionNotAllowed) {
		t.Fatalf("expected ErrTransitionNotAllowed, got %v", err)
	}

	got, _ := l.GetSubtask(context.Background(), "sub-1")
	if got.State != domain.SubtaskAccepted || got.NextDeadline != nil || got.StateVersion != 2 {
		t.Errorf("subtask mutated by illegal transition: %+v", got)
	}
}

func TestStoreOrUpdate_TerminalInitialStateRejected(t *testing.T) {
	l := newTestLedger(t)
	_, err := apply(t, l, change(domain.SubtaskAccepted, nil))
	if !errors.Is(err, domain.ErrTransitionNotAllowed) {
		t.Errorf("expected ErrTransitionNotAllowed, got %v", err)
	}
}

func TestStoreOrUpdate_PartyMismatch(t *testing.T) {
	l := newTestLedger(t)
	if _, err := apply(t, l, change(domain.SubtaskReported, nil)); err != nil {
		t.Fatalf("create: %v", err)
	}
	c := change(domain.SubtaskAdditionalVerification, nil)
	c.RequestorKey = []byte("someone-else")
	if _, err := apply(t, l, c); !errors.Is(err, domain.ErrMessageInvalid) {
		t.Errorf("expected ErrMessageInvalid, got %v", err)
	}
}

func TestFindDuplicate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	dup, err := l.FindDuplicate(ctx, l.DB, "sub-1")
	if err != nil || dup {
		t.Fatalf("absent subtask: dup=%v err=%v", dup, err)
	}

	apply(t, l, change(domain.SubtaskReported, nil))
	if dup, _ := l.FindDuplicate(ctx, l.DB, "sub-1"); dup {
		t.Error("REPORTED subtask reported as duplicate")
	}

	deadline := testNow.Add(time.Hour)
	apply(t, l, change(domain.SubtaskAdditionalVerification, &deadline))
	if dup, _ := l.FindDuplicate(ctx, l.DB, "sub-1"); !dup {
		t.Error("ADDITIONAL_VERIFICATION subtask not reported as duplicate")
	}

	apply(t, l, change(domain.SubtaskFailed, nil))
	if dup, _ := l.FindDuplicate(ctx, l.DB, "sub-1"); dup {
		t.Error("terminal subtask must be left to the transition check")
	}
}

func TestEnqueuePendingResponse_RolledBackWithSubtask(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := l.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := l.StoreOrUpdateSubtaskTx(ctx, tx, change(domain.SubtaskReported, nil))
		if err != nil {
			return err
		}
		if _, err := l.EnqueuePendingResponseTx(ctx, tx, domain.ResponseSubtaskResultsSettled,
			providerKey, domain.QueueReceiveOutOfBand, s, nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx error = %v", err)
	}

	if _, err := l.GetSubtask(ctx, "sub-1"); !errors.Is(err, domain.ErrSubtaskNotFound) {
		t.Errorf("subtask survived rollback: %v", err)
	}
	n, _ := l.Responses.Count(ctx, l.DB)
	if n != 0 {
		t.Errorf("pending responses after rollback = %d, want 0", n)
	}
}

func TestTakeNextResponse(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := l.StoreOrUpdateSubtaskTx(ctx, tx, change(domain.SubtaskReported, nil))
		if err != nil {
			return err
		}
		_, err = l.EnqueuePendingResponseTx(ctx, tx, domain.ResponseSubtaskResultsSettled,
			requestorKey, domain.QueueReceiveOutOfBand, s,
			&domain.PaymentInfo{PaymentTS: testNow, TaskOwnerKey: requestorKey, AmountPaid: 3})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	pr, err := l.TakeNextResponse(ctx, requestorKey, domain.QueueReceiveOutOfBand)
	if err != nil {
		t.Fatalf("TakeNextResponse: %v", err)
	}
	if pr == nil || pr.SubtaskID != "sub-1" || pr.Payment == nil || pr.Payment.AmountPaid != 3 {
		t.Fatalf("response = %+v", pr)
	}

	pr, err = l.TakeNextResponse(ctx, requestorKey, domain.QueueReceiveOutOfBand)
	if err != nil || pr != nil {
		t.Errorf("second take = %+v, %v; want empty", pr, err)
	}
}

func TestEscalate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	deadline := testNow.Add(time.Hour)
	s, err := apply(t, l, change(domain.SubtaskAdditionalVerification, &deadline))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = l.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := l.EscalateTx(ctx, tx, s, domain.WorkerFileDownloadFailed, "connection refused")
		return err
	})
	if err != nil {
		t.Fatalf("EscalateTx: %v", err)
	}

	got, _ := l.GetSubtask(ctx, "sub-1")
	if !got.Escalated || got.EscalationCode != domain.WorkerFileDownloadFailed || got.NextDeadline != nil {
		t.Errorf("escalated subtask = %+v", got)
	}
	if got.State != domain.SubtaskAdditionalVerification {
		t.Errorf("State = %s, want ADDITIONAL_VERIFICATION", got.State)
	}

	expired, _ := l.ListExpired(ctx, testNow.Add(48*time.Hour))
	if len(expired) != 0 {
		t.Errorf("escalated subtask picked up by sweep: %v", expired)
	}

	// Resolving clears the flag.
	resolved, err := apply(t, l, change(domain.SubtaskAccepted, nil))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Escalated || resolved.EscalationCode != "" {
		t.Errorf("escalation not cleared: %+v", resolved)
	}
}
