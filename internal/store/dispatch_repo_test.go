package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

func seedVerification(t *testing.T, db *sql.DB, subtaskID string) {
	t.Helper()
	ctx := context.Background()
	createSubtask(t, db, domain.Subtask{TaskID: "task-1", SubtaskID: subtaskID,
		State: domain.SubtaskReported, CreatedAt: time.Unix(1, 0), UpdatedAt: time.Unix(1, 0)})

	tx, _ := db.Begin()
	v := domain.VerificationRequest{
		SubtaskID:         subtaskID,
		TaskID:            "task-1",
		SourcePackagePath: "blender/source/task-1/task-1." + subtaskID + ".zip",
		SourceSize:        10,
		SourcePackageHash: "sha1:src",
		ResultPackagePath: "blender/result/task-1/task-1." + subtaskID + ".zip",
		ResultSize:        20,
		ResultPackageHash: "sha1:res",
		OutputFormat:      domain.FormatPNG,
		SceneFile:         "scene.blend",
		CreatedAt:         time.Unix(1, 0),
	}
	if err := (&VerificationRepo{}).CreateTx(ctx, tx, v); err != nil {
		t.Fatalf("CreateTx verification: %v", err)
	}
	if err := (&DispatchRepo{}).ScheduleTx(ctx, tx, domain.DispatchJob{JobID: "job-" + subtaskID,
		SubtaskID: subtaskID, CreatedAt: time.Unix(1, 0)}); err != nil {
		t.Fatalf("ScheduleTx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestDispatchRepo_ReadyOnlyAfterUpload(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DispatchRepo{}
	seedVerification(t, db, "sub-1")

	ready, err := repo.ListReady(ctx, db, 10)
	if err != nil {
		t.Fatalf("ListReady: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("job ready before upload finished: %v", ready)
	}

	if err := (&VerificationRepo{}).MarkUploadFinished(ctx, db, "sub-1"); err != nil {
		t.Fatalf("MarkUploadFinished: %v", err)
	}
	ready, _ = repo.ListReady(ctx, db, 10)
	if len(ready) != 1 || ready[0].JobID != "job-sub-1" {
		t.Fatalf("ListReady = %v, want [job-sub-1]", ready)
	}

	fired, err := repo.MarkFired(ctx, db, "job-sub-1", time.Unix(50, 0))
	if err != nil || !fired {
		t.Fatalf("MarkFired = %v, %v", fired, err)
	}
	again, _ := repo.MarkFired(ctx, db, "job-sub-1", time.Unix(51, 0))
	if again {
		t.Error("job fired twice")
	}
	job, err := repo.GetBySubtask(ctx, db, "sub-1")
	if err != nil {
		t.Fatalf("GetBySubtask: %v", err)
	}
	if job.Status != domain.DispatchFired || job.FiredAt == nil || job.Attempts != 1 {
		t.Errorf("job = %+v", job)
	}
}

func TestDispatchRepo_RecordFailureKeepsPending(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &DispatchRepo{}
	seedVerification(t, db, "sub-1")

	if err := repo.RecordFailure(ctx, db, "job-sub-1", errors.New("redis down")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	n, _ := repo.CountByStatus(ctx, db, domain.DispatchPending)
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestVerificationRepo_FindByPackagePathAndFlags(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &VerificationRepo{}
	seedVerification(t, db, "sub-1")

	v, err := repo.FindByPackagePath(ctx, db, "blender/result/task-1/task-1.sub-1.zip")
	if err != nil {
		t.Fatalf("FindByPackagePath: %v", err)
	}
	if v.SubtaskID != "sub-1" || v.OutputFormat != domain.FormatPNG {
		t.Errorf("request = %+v", v)
	}
	if _, err := repo.FindByPackagePath(ctx, db, "blender/result/other.zip"); !errors.Is(err, domain.ErrSubtaskNotFound) {
		t.Errorf("unknown path: got %v", err)
	}

	if err := repo.MarkUploadAcknowledged(ctx, db, "sub-1"); err != nil {
		t.Fatalf("MarkUploadAcknowledged: %v", err)
	}
	v, _ = repo.GetBySubtask(ctx, db, "sub-1")
	if !v.UploadAcknowledged || v.UploadFinished {
		t.Errorf("flags = ack %v finished %v", v.UploadAcknowledged, v.UploadFinished)
	}
	if err := repo.MarkUploadAcknowledged(ctx, db, "missing"); !errors.Is(err, domain.ErrSubtaskNotFound) {
		t.Errorf("missing request: got %v", err)
	}
}

func TestUploadRepo_Reported(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &UploadRepo{}

	ok, err := repo.Reported(ctx, db, "blender/result/t/t.s.zip")
	if err != nil || ok {
		t.Fatalf("Reported before record = %v, %v", ok, err)
	}
	if err := repo.Record(ctx, db, domain.UploadReport{Path: "blender/result/t/t.s.zip", SubtaskID: "s", CreatedAt: time.Unix(3, 0)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ok, _ = repo.Reported(ctx, db, "blender/result/t/t.s.zip")
	if !ok {
		t.Error("Reported = false after record")
	}
	list, _ := repo.ListByPath(ctx, db, "blender/result/t/t.s.zip")
	if len(list) != 1 || list[0].SubtaskID != "s" {
		t.Errorf("ListByPath = %+v", list)
	}
}
