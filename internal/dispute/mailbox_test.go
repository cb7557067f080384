package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/token"
)

type fakeProber struct {
	mu      sync.Mutex
	present bool
	err     error
	probed  []domain.FileTransferToken
}

func (p *fakeProber) RequestUploadStatus(_ context.Context, t domain.FileTransferToken) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, t)
	return p.present, p.err
}

func decodeToken(t *testing.T, raw []byte) domain.FileTransferToken {
	t.Helper()
	env, err := envelope.OpenNested(raw, envelope.TypeFileTransferToken)
	require.NoError(t, err)
	var tok domain.FileTransferToken
	require.NoError(t, env.Decode(&tok))
	return tok
}

func TestReceive_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	env, err := f.mailbox.Receive(f.ctx, f.providerPub(), domain.QueueReceive)
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestReceive_DeliversOnceInOrder(t *testing.T) {
	f := newFixture(t)
	f.admit("sub-1")
	require.NoError(t, f.reconciler.Reconcile(f.ctx, "sub-1", domain.VerdictMismatch, "", ""))

	env, err := f.mailbox.Receive(f.ctx, f.requestorPub(), domain.QueueReceiveOutOfBand)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeSubtaskResultsRejected, env.Type)
	require.NoError(t, env.VerifiedBy(envelope.PublicKey(f.concentKey)))

	var rejected envelope.SubtaskResultsRejected
	require.NoError(t, env.Decode(&rejected))
	assert.Equal(t, domain.RejectionConcentVerificationNegative, rejected.Reason)
	assert.NotEmpty(t, rejected.ReportComputedTask)

	// In-band queue is separate.
	env, err = f.mailbox.Receive(f.ctx, f.requestorPub(), domain.QueueReceive)
	require.NoError(t, err)
	assert.Nil(t, env)

	env, err = f.mailbox.Receive(f.ctx, f.requestorPub(), domain.QueueReceiveOutOfBand)
	require.NoError(t, err)
	assert.Nil(t, env, "each response is delivered exactly once")

	env, err = f.mailbox.Receive(f.ctx, f.providerPub(), domain.QueueReceiveOutOfBand)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeSubtaskResultsRejected, env.Type)
}

func TestReceive_SettledAfterMatch(t *testing.T) {
	f := newFixture(t)
	f.admit("sub-1")
	require.NoError(t, f.reconciler.Reconcile(f.ctx, "sub-1", domain.VerdictMatch, "", ""))

	env, err := f.mailbox.Receive(f.ctx, f.requestorPub(), domain.QueueReceiveOutOfBand)
	require.NoError(t, err)
	require.NotNil(t, env)

	var settled envelope.SubtaskResultsSettled
	require.NoError(t, env.Decode(&settled))
	assert.Equal(t, envelope.OriginResultsVerified, settled.Origin)
	require.NotNil(t, settled.Payment)
	assert.Equal(t, uint64(1000), settled.Payment.AmountPaid)
	assert.Equal(t, "requestor", settled.Payment.RecipientType)
	assert.Equal(t, base.Unix(), settled.Payment.PaymentTS)

	ttc, err := envelope.OpenNested(settled.TaskToCompute, envelope.TypeTaskToCompute)
	require.NoError(t, err)
	assert.NoError(t, ttc.VerifiedBy(f.requestorPub()))
}

func TestForceFlow_UploadThenDownload(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.HandleForceGetTaskResult(f.ctx, f.forceGetTaskResult("sub-f"))
	require.NoError(t, err)

	env, err := f.mailbox.Receive(f.ctx, f.providerPub(), domain.QueueReceive)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeForceGetTaskResultUpload, env.Type)

	var upload envelope.ForceGetTaskResultUpload
	require.NoError(t, env.Decode(&upload))
	tok := decodeToken(t, upload.FileTransferToken)
	assert.Equal(t, domain.OperationUpload, tok.Operation)
	assert.Equal(t, f.providerPub(), tok.AuthorizedClientPublicKey)
	require.Len(t, tok.Files, 1)
	assert.Equal(t, token.ResultPath("task-1", "sub-f"), tok.Files[0].Path)
	assert.Equal(t, "sha1:result", tok.Files[0].Checksum)
	_, err = envelope.OpenNested(upload.ForceGetTaskResult, envelope.TypeForceGetTaskResult)
	require.NoError(t, err)

	prober := &fakeProber{}
	poller := NewUploadPoller(f.ledger, f.issuer, prober, 0)

	n, err := poller.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.SubtaskForcingResultTransfer, f.subtask("sub-f").State)
	require.Len(t, prober.probed, 1)
	assert.Equal(t, f.issuer.PublicKey(), prober.probed[0].AuthorizedClientPublicKey)

	prober.present = true
	n, err = poller.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	s := f.subtask("sub-f")
	assert.Equal(t, domain.SubtaskResultUploaded, s.State)
	assert.Nil(t, s.NextDeadline)

	env, err = f.mailbox.Receive(f.ctx, f.requestorPub(), domain.QueueReceive)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, envelope.TypeForceGetTaskResultDownload, env.Type)
	var download envelope.ForceGetTaskResultDownload
	require.NoError(t, env.Decode(&download))
	dtok := decodeToken(t, download.FileTransferToken)
	assert.Equal(t, domain.OperationDownload, dtok.Operation)
	assert.Equal(t, f.requestorPub(), dtok.AuthorizedClientPublicKey)
	assert.GreaterOrEqual(t, dtok.TokenExpirationDeadline, base.Unix())

	// Nothing left to poll.
	n, err = poller.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, prober.probed, 2)
}

func TestUploadPoller_ProbeErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.HandleForceGetTaskResult(f.ctx, f.forceGetTaskResult("sub-f"))
	require.NoError(t, err)

	prober := &fakeProber{err: errors.New("cluster down")}
	poller := NewUploadPoller(f.ledger, f.issuer, prober, 0)
	n, err := poller.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	prober.err = nil
	prober.present = true
	n, err = poller.CheckOnce(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReportUpload(t *testing.T) {
	f := newFixture(t)
	f.admit("sub-1")

	known, err := ReportUpload(f.ctx, f.ledger, "blender/result/unknown/unknown.zip")
	require.NoError(t, err)
	assert.False(t, known)

	known, err = ReportUpload(f.ctx, f.ledger, token.ResultPath("task-1", "sub-1"))
	require.NoError(t, err)
	assert.True(t, known)
	req, err := f.ledger.Verifications.GetBySubtask(f.ctx, f.ledger.DB, "sub-1")
	require.NoError(t, err)
	assert.False(t, req.UploadFinished, "source package still missing")

	known, err = ReportUpload(f.ctx, f.ledger, token.SourcePath("task-1", "sub-1"))
	require.NoError(t, err)
	assert.True(t, known)
	req, err = f.ledger.Verifications.GetBySubtask(f.ctx, f.ledger.DB, "sub-1")
	require.NoError(t, err)
	assert.True(t, req.UploadFinished)

	// Repeated notifications are harmless.
	known, err = ReportUpload(f.ctx, f.ledger, token.SourcePath("task-1", "sub-1"))
	require.NoError(t, err)
	assert.True(t, known)
}
