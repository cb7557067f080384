package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// VerificationRepo handles persistence for VerificationRequest records.
type VerificationRepo struct{}

// CreateTx inserts the worker order of an admitted dispute.
func (r *VerificationRepo) CreateTx(ctx context.Context, tx *sql.Tx, v domain.VerificationRequest) error {
	const q = `INSERT INTO verification_requests (subtask_id, task_id, source_package_path, source_size,
	source_package_hash, result_package_path, result_size, result_package_hash, output_format, scene_file,
	upload_finished, upload_acknowledged, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		v.SubtaskID,
		v.TaskID,
		v.SourcePackagePath,
		v.SourceSize,
		v.SourcePackageHash,
		v.ResultPackagePath,
		v.ResultSize,
		v.ResultPackageHash,
		string(v.OutputFormat),
		v.SceneFile,
		boolToInt(v.UploadFinished),
		boolToInt(v.UploadAcknowledged),
		v.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create verification request: %w", err)
	}
	return nil
}

const verificationColumns = `subtask_id, task_id, source_package_path, source_size, source_package_hash,
	result_package_path, result_size, result_package_hash, output_format, scene_file,
	upload_finished, upload_acknowledged, created_at`

// GetBySubtask retrieves the verification request of a subtask.
func (r *VerificationRepo) GetBySubtask(ctx context.Context, q DBTX, subtaskID string) (*domain.VerificationRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification_requests WHERE subtask_id = ?`, subtaskID)
	v, err := scanVerification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("get verification request: %w", err)
	}
	return v, nil
}

// FindByPackagePath returns the request whose source or result package is
// stored at path.
func (r *VerificationRepo) FindByPackagePath(ctx context.Context, q DBTX, path string) (*domain.VerificationRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verification_requests
WHERE source_package_path = ? OR result_package_path = ?`, path, path)
	v, err := scanVerification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("find verification request: %w", err)
	}
	return v, nil
}

// MarkUploadFinished flags that both packages of a request are in storage.
func (r *VerificationRepo) MarkUploadFinished(ctx context.Context, q DBTX, subtaskID string) error {
	return r.setFlag(ctx, q, "upload_finished", subtaskID)
}

// MarkUploadAcknowledged flags that the worker picked the order up.
func (r *VerificationRepo) MarkUploadAcknowledged(ctx context.Context, q DBTX, subtaskID string) error {
	return r.setFlag(ctx, q, "upload_acknowledged", subtaskID)
}

func (r *VerificationRepo) setFlag(ctx context.Context, q DBTX, column, subtaskID string) error {
	res, err := q.ExecContext(ctx, `UPDATE verification_requests SET `+column+` = 1 WHERE subtask_id = ?`, subtaskID)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrSubtaskNotFound
	}
	return nil
}

func scanVerification(row scanner) (*domain.VerificationRequest, error) {
	var v domain.VerificationRequest
	var format string
	var finished, acked int
	var created int64
	err := row.Scan(&v.SubtaskID, &v.TaskID, &v.SourcePackagePath, &v.SourceSize, &v.SourcePackageHash,
		&v.ResultPackagePath, &v.ResultSize, &v.ResultPackageHash, &format, &v.SceneFile,
		&finished, &acked, &created)
	if err != nil {
		return nil, err
	}
	if v.OutputFormat, err = domain.ParseOutputFormat(format); err != nil {
		return nil, err
	}
	v.UploadFinished = finished != 0
	v.UploadAcknowledged = acked != 0
	v.CreatedAt = time.Unix(created, 0)
	return &v, nil
}
