package dispute

import (
	"context"
	"crypto/ecdsa"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/etsangsplk/concent/internal/config"
	"github.com/etsangsplk/concent/internal/dispatch"
	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/funds"
	"github.com/etsangsplk/concent/internal/policy"
	"github.com/etsangsplk/concent/internal/queue"
	"github.com/etsangsplk/concent/internal/store"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

var base = time.Unix(1_700_000_000, 0)

var testProtocol = config.Protocol{
	ConcentMessagingTime:           2 * time.Hour,
	AdditionalVerificationCallTime: 4 * time.Hour,
	ForceAcceptanceTime:            2 * time.Hour,
	SubtaskVerificationTime:        4 * time.Hour,
	DownloadLeadinTime:             5 * time.Minute,
	TokenExpirationTime:            time.Hour,
	MessageClockDrift:              15 * time.Minute,
	MinimumUploadRate:              384,
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	clock      *clock
	ledger     *workflow.Ledger
	policy     *policy.Engine
	issuer     *token.Issuer
	oracle     *funds.StaticOracle
	queue      *queue.MemoryQueue
	dispatcher *dispatch.Dispatcher
	reconciler *Reconciler
	handler    *Handler
	mailbox    *Mailbox

	concentKey   *ecdsa.PrivateKey
	requestorKey *ecdsa.PrivateKey
	providerKey  *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "concent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		t:            t,
		ctx:          context.Background(),
		clock:        &clock{t: base},
		oracle:       funds.NewStaticOracle(true),
		queue:        queue.NewMemoryQueue(16),
		concentKey:   newKey(t),
		requestorKey: newKey(t),
		providerKey:  newKey(t),
	}
	f.ledger = workflow.NewLedger(db, f.clock.now)
	f.policy = policy.New(testProtocol)
	f.issuer = token.NewIssuer(f.concentKey, "http://storage.test/", testProtocol, f.clock.now)
	f.dispatcher = dispatch.NewDispatcher(f.ledger, f.queue, dispatch.Config{})
	f.reconciler = NewReconciler(f.ledger, time.Second)
	f.handler = NewHandler(f.ledger, f.policy, f.issuer, f.oracle, f.dispatcher, f.reconciler, f.concentKey)
	f.mailbox = NewMailbox(f.ledger, f.policy, f.issuer, f.reconciler, f.concentKey)
	return f
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	require.NoError(t, err)
	return k
}

func (f *fixture) requestorPub() []byte { return envelope.PublicKey(f.requestorKey) }
func (f *fixture) providerPub() []byte  { return envelope.PublicKey(f.providerKey) }

func (f *fixture) requestorAddress() string {
	addr, err := envelope.EthereumAddress(f.requestorPub())
	require.NoError(f.t, err)
	return addr.Hex()
}

func (f *fixture) seal(typ envelope.Type, ts time.Time, payload any, key *ecdsa.PrivateKey) *envelope.Envelope {
	f.t.Helper()
	env, err := envelope.Seal(typ, ts.Unix(), payload, key)
	require.NoError(f.t, err)
	return env
}

func (f *fixture) taskToCompute(subtaskID string) *envelope.Envelope {
	providerAddr, err := envelope.EthereumAddress(f.providerPub())
	require.NoError(f.t, err)
	return f.seal(envelope.TypeTaskToCompute, base.Add(-3*time.Hour), envelope.TaskToCompute{
		ComputeTaskDef: envelope.ComputeTaskDef{
			TaskID:       "task-1",
			SubtaskID:    subtaskID,
			Deadline:     base.Add(-time.Hour).Unix(),
			OutputFormat: domain.FormatPNG,
			SceneFile:    "kitten.blend",
		},
		RequestorPublicKey:       f.requestorPub(),
		ProviderPublicKey:        f.providerPub(),
		RequestorEthereumAddress: f.requestorAddress(),
		ProviderEthereumAddress:  providerAddr.Hex(),
		Price:                    1000,
		PackageHash:              "sha1:source",
		Size:                     1024,
	}, f.requestorKey)
}

func (f *fixture) report(subtaskID string) *envelope.Envelope {
	return f.seal(envelope.TypeReportComputedTask, base.Add(-90*time.Minute), envelope.ReportComputedTask{
		TaskToCompute: f.taskToCompute(subtaskID).Bytes(),
		PackageHash:   "sha1:result",
		Size:          2048,
	}, f.providerKey)
}

type disputeOpts struct {
	reason     domain.RejectionReason
	rejectedAt time.Time
	disputedAt time.Time
	rejectedBy *ecdsa.PrivateKey
	disputedBy *ecdsa.PrivateKey
}

func (f *fixture) dispute(subtaskID string, mods ...func(*disputeOpts)) *envelope.Envelope {
	o := disputeOpts{
		reason:     domain.RejectionVerificationNegative,
		rejectedAt: base.Add(-10 * time.Minute),
		disputedAt: base.Add(-5 * time.Minute),
		rejectedBy: f.requestorKey,
		disputedBy: f.providerKey,
	}
	for _, m := range mods {
		m(&o)
	}
	rejected := f.seal(envelope.TypeSubtaskResultsRejected, o.rejectedAt, envelope.SubtaskResultsRejected{
		ReportComputedTask: f.report(subtaskID).Bytes(),
		Reason:             o.reason,
	}, o.rejectedBy)
	return f.seal(envelope.TypeSubtaskResultsVerify, o.disputedAt, envelope.SubtaskResultsVerify{
		SubtaskResultsRejected: rejected.Bytes(),
	}, o.disputedBy)
}

func (f *fixture) forceGetTaskResult(subtaskID string) *envelope.Envelope {
	return f.forceGetTaskResultAt(subtaskID, base)
}

func (f *fixture) forceGetTaskResultAt(subtaskID string, ts time.Time) *envelope.Envelope {
	return f.seal(envelope.TypeForceGetTaskResult, ts, envelope.ForceGetTaskResult{
		ReportComputedTask: f.report(subtaskID).Bytes(),
	}, f.requestorKey)
}

// admit submits a valid dispute and requires it to be acknowledged.
func (f *fixture) admit(subtaskID string) *Result {
	f.t.Helper()
	res, err := f.handler.HandleSubtaskResultsVerify(f.ctx, f.dispute(subtaskID))
	require.NoError(f.t, err)
	require.Equal(f.t, envelope.TypeAckSubtaskResultsVerify, res.Message.Type)
	return res
}

func (f *fixture) subtask(id string) *domain.Subtask {
	f.t.Helper()
	s, err := f.ledger.GetSubtask(f.ctx, id)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) responses(subtaskID string) []domain.PendingResponse {
	f.t.Helper()
	out, err := f.ledger.Responses.ListBySubtask(f.ctx, f.ledger.DB, subtaskID)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) messageCount() int {
	f.t.Helper()
	n, err := f.ledger.MessageCount(f.ctx)
	require.NoError(f.t, err)
	return n
}

func refusalReason(t *testing.T, res *Result) domain.RefusalReason {
	t.Helper()
	require.NotNil(t, res)
	require.Equal(t, envelope.TypeServiceRefused, res.Message.Type)
	var sr envelope.ServiceRefused
	require.NoError(t, res.Message.Decode(&sr))
	return sr.Reason
}
