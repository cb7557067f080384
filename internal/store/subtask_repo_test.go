package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

var (
	providerKey  = []byte("provider-public-key")
	requestorKey = []byte("requestor-public-key")
)

func seedClients(t *testing.T, db *sql.DB) (providerID, requestorID int64) {
	t.Helper()
	ctx := context.Background()
	repo := &ClientRepo{}
	now := time.Unix(1000, 0)
	p, err := repo.GetOrCreate(ctx, db, providerKey, now)
	if err != nil {
		t.Fatalf("GetOrCreate provider: %v", err)
	}
	r, err := repo.GetOrCreate(ctx, db, requestorKey, now)
	if err != nil {
		t.Fatalf("GetOrCreate requestor: %v", err)
	}
	return p.ID, r.ID
}

func createSubtask(t *testing.T, db *sql.DB, s domain.Subtask) {
	t.Helper()
	pid, rid := seedClients(t, db)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := (&SubtaskRepo{}).CreateTx(context.Background(), tx, s, pid, rid); err != nil {
		tx.Rollback()
		t.Fatalf("CreateTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestClientRepo_GetOrCreateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ClientRepo{}

	a, err := repo.GetOrCreate(ctx, db, providerKey, time.Unix(1, 0))
	if err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	b, err := repo.GetOrCreate(ctx, db, providerKey, time.Unix(2, 0))
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ: %d vs %d", a.ID, b.ID)
	}
	if b.CreatedAt.Unix() != 1 {
		t.Errorf("CreatedAt = %d, want 1 (client is immutable)", b.CreatedAt.Unix())
	}

	if _, err := repo.GetByKey(ctx, db, []byte("unknown")); err != sql.ErrNoRows {
		t.Errorf("GetByKey unknown: got %v, want sql.ErrNoRows", err)
	}
}

func TestSubtaskRepo_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	deadline := time.Unix(5000, 0)

	createSubtask(t, db, domain.Subtask{
		TaskID:       "task-1",
		SubtaskID:    "sub-1",
		State:        domain.SubtaskAdditionalVerification,
		NextDeadline: &deadline,
		CreatedAt:    time.Unix(1000, 0),
		UpdatedAt:    time.Unix(1000, 0),
	})

	got, err := (&SubtaskRepo{}).GetByID(ctx, db, "sub-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.TaskID != "task-1" {
		t.Errorf("TaskID = %q, want task-1", got.TaskID)
	}
	if got.State != domain.SubtaskAdditionalVerification {
		t.Errorf("State = %q", got.State)
	}
	if got.NextDeadline == nil || !got.NextDeadline.Equal(deadline) {
		t.Errorf("NextDeadline = %v, want %v", got.NextDeadline, deadline)
	}
	if string(got.ProviderKey) != string(providerKey) || string(got.RequestorKey) != string(requestorKey) {
		t.Errorf("party keys not joined correctly: %q / %q", got.ProviderKey, got.RequestorKey)
	}
	if got.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1", got.StateVersion)
	}
}

func TestSubtaskRepo_GetNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := (&SubtaskRepo{}).GetByID(context.Background(), db, "missing")
	if !errors.Is(err, domain.ErrSubtaskNotFound) {
		t.Errorf("expected ErrSubtaskNotFound, got %v", err)
	}
}

func TestSubtaskRepo_CreateDuplicate(t *testing.T) {
	db := newTestDB(t)
	s := domain.Subtask{TaskID: "task-1", SubtaskID: "sub-1", State: domain.SubtaskReported,
		CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)}
	createSubtask(t, db, s)

	pid, rid := seedClients(t, db)
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Rollback()
	err = (&SubtaskRepo{}).CreateTx(context.Background(), tx, s, pid, rid)
	if !errors.Is(err, domain.ErrDuplicateSubtask) {
		t.Errorf("expected ErrDuplicateSubtask, got %v", err)
	}
}

func TestSubtaskRepo_OptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &SubtaskRepo{}
	deadline := time.Unix(5000, 0)
	createSubtask(t, db, domain.Subtask{TaskID: "task-1", SubtaskID: "sub-1", State: domain.SubtaskReported,
		CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})

	s, err := repo.GetByID(ctx, db, "sub-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	s.State = domain.SubtaskAdditionalVerification
	s.NextDeadline = &deadline
	s.UpdatedAt = time.Unix(2, 0)

	tx, _ := db.Begin()
	if err := repo.UpdateStateTx(ctx, tx, *s); err != nil {
		t.Fatalf("first update: %v", err)
	}
	tx.Commit()

	// Second update with the stale version must fail.
	tx2, _ := db.Begin()
	defer tx2.Rollback()
	if err := repo.UpdateStateTx(ctx, tx2, *s); !errors.Is(err, domain.ErrOptimisticLock) {
		t.Errorf("expected ErrOptimisticLock, got %v", err)
	}
}

func TestSubtaskRepo_TerminalStateRequiresNullDeadline(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &SubtaskRepo{}
	createSubtask(t, db, domain.Subtask{TaskID: "task-1", SubtaskID: "sub-1", State: domain.SubtaskReported,
		CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})

	s, _ := repo.GetByID(ctx, db, "sub-1")
	deadline := time.Unix(9, 0)
	s.State = domain.SubtaskAccepted
	s.NextDeadline = &deadline

	tx, _ := db.Begin()
	defer tx.Rollback()
	if err := repo.UpdateStateTx(ctx, tx, *s); err == nil {
		t.Error("expected CHECK constraint failure for terminal state with deadline")
	}
}

func TestSubtaskRepo_ListExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &SubtaskRepo{}
	past, future := time.Unix(100, 0), time.Unix(10_000, 0)

	createSubtask(t, db, domain.Subtask{TaskID: "t", SubtaskID: "expired", State: domain.SubtaskAdditionalVerification,
		NextDeadline: &past, CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})
	createSubtask(t, db, domain.Subtask{TaskID: "t", SubtaskID: "live", State: domain.SubtaskAdditionalVerification,
		NextDeadline: &future, CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})
	createSubtask(t, db, domain.Subtask{TaskID: "t", SubtaskID: "reported", State: domain.SubtaskReported,
		NextDeadline: &past, CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})

	got, err := repo.ListExpired(ctx, db, time.Unix(500, 0))
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if len(got) != 1 || got[0].SubtaskID != "expired" {
		t.Fatalf("ListExpired = %v, want [expired]", got)
	}

	// The deadline second itself is not expired.
	got, _ = repo.ListExpired(ctx, db, past)
	if len(got) != 0 {
		t.Errorf("deadline itself reported expired: %v", got)
	}

	mine, err := repo.ListExpiredForClient(ctx, db, requestorKey, time.Unix(500, 0))
	if err != nil {
		t.Fatalf("ListExpiredForClient: %v", err)
	}
	if len(mine) != 1 {
		t.Errorf("ListExpiredForClient len = %d, want 1", len(mine))
	}
	other, _ := repo.ListExpiredForClient(ctx, db, []byte("stranger"), time.Unix(500, 0))
	if len(other) != 0 {
		t.Errorf("stranger sees %d subtasks", len(other))
	}
}
