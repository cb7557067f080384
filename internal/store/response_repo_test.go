package store

import (
	"context"
	"testing"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

func TestResponseRepo_EnqueueAndDeliver(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ResponseRepo{}
	createSubtask(t, db, domain.Subtask{TaskID: "task-1", SubtaskID: "sub-1", State: domain.SubtaskAccepted,
		CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})
	client, err := (&ClientRepo{}).GetByKey(ctx, db, providerKey)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}

	tx, _ := db.Begin()
	first := domain.PendingResponse{ID: "r1", ResponseType: domain.ResponseSubtaskResultsSettled,
		Queue: domain.QueueReceiveOutOfBand, SubtaskID: "sub-1", CreatedAt: time.Unix(10, 0),
		Payment: &domain.PaymentInfo{PaymentTS: time.Unix(10, 0), TaskOwnerKey: requestorKey,
			ProviderEthAccount: "0xabc", AmountPaid: 7, RecipientType: "Provider"}}
	second := domain.PendingResponse{ID: "r2", ResponseType: domain.ResponseSubtaskResultsRejected,
		Queue: domain.QueueReceiveOutOfBand, SubtaskID: "sub-1", CreatedAt: time.Unix(10, 0)}
	for _, pr := range []domain.PendingResponse{first, second} {
		if err := repo.EnqueueTx(ctx, tx, pr, client.ID); err != nil {
			t.Fatalf("EnqueueTx %s: %v", pr.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := repo.NextUndelivered(ctx, db, providerKey, domain.QueueReceiveOutOfBand)
	if err != nil {
		t.Fatalf("NextUndelivered: %v", err)
	}
	if got == nil || got.ID != "r1" {
		t.Fatalf("NextUndelivered = %+v, want r1", got)
	}
	if got.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", got.TaskID)
	}
	if got.Payment == nil || got.Payment.AmountPaid != 7 || got.Payment.ProviderEthAccount != "0xabc" {
		t.Errorf("payment not loaded: %+v", got.Payment)
	}

	// Other queue is empty.
	none, err := repo.NextUndelivered(ctx, db, providerKey, domain.QueueReceive)
	if err != nil || none != nil {
		t.Errorf("Receive queue = %+v, %v; want empty", none, err)
	}

	tx, _ = db.Begin()
	if err := repo.MarkDeliveredTx(ctx, tx, "r1"); err != nil {
		t.Fatalf("MarkDeliveredTx: %v", err)
	}
	tx.Commit()

	next, _ := repo.NextUndelivered(ctx, db, providerKey, domain.QueueReceiveOutOfBand)
	if next == nil || next.ID != "r2" || next.Payment != nil {
		t.Errorf("after delivery next = %+v, want r2 without payment", next)
	}

	all, err := repo.ListBySubtask(ctx, db, "sub-1")
	if err != nil {
		t.Fatalf("ListBySubtask: %v", err)
	}
	if len(all) != 2 || !all[0].Delivered {
		t.Errorf("ListBySubtask = %+v; delivered rows must be kept", all)
	}

	tx, _ = db.Begin()
	defer tx.Rollback()
	if err := repo.MarkDeliveredTx(ctx, tx, "r1"); err == nil {
		t.Error("expected error delivering twice")
	}
}
