// Package runqueue is the lease-based Run-Job Queue: workers register, poll
// for eligible jobs, heartbeat their lease, and complete or release. A
// background sweeper requeues jobs whose lease has expired without a
// heartbeat, following the teacher scheduler's own ticker-driven loop.
package runqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/kernelstore"
	"github.com/andrewbusc/legatorkernel/internal/telemetry"
)

// DefaultLeaseSeconds is the lease duration granted to a claimed job absent
// an explicit override.
const DefaultLeaseSeconds = 90

// Queue wraps the Content Store with the worker-facing run-job protocol and
// worker node registration/authentication.
type Queue struct {
	store  *kernelstore.Store
	logger *zap.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	sweepTicker *time.Ticker
	wg          sync.WaitGroup

	tokenHashes sync.Map // nodeID -> bcrypt hash
}

// New constructs a Queue over store. logger may be nil (defaults to a no-op
// logger, matching the teacher's scheduler constructor).
func New(store *kernelstore.Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, logger: logger}
}

// EnqueueRunJob enqueues start/resume work for a run.
func (q *Queue) EnqueueRunJob(runID, projectID, kind, targetRole string, payload []byte) (*kernelstore.RunJob, error) {
	return q.store.EnqueueRunJob(kernelstore.RunJob{
		RunID: runID, ProjectID: projectID, Kind: kind, TargetRole: targetRole, Payload: payload,
	})
}

// ClaimNextRunJob claims the oldest eligible job for targetRole on behalf of
// nodeID, granting a lease of leaseSeconds.
func (q *Queue) ClaimNextRunJob(ctx context.Context, nodeID, targetRole string, leaseSeconds int) (*kernelstore.RunJob, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	start := time.Now()
	_, span := telemetry.StartJobClaimSpan(ctx, nodeID, targetRole)
	job, err := q.store.ClaimNextRunJob(nodeID, targetRole, leaseSeconds)
	if err != nil {
		telemetry.EndJobClaimSpan(span, false, "")
		return nil, err
	}
	if job != nil {
		telemetry.EndJobClaimSpan(span, true, job.ID)
		telemetry.RecordJobClaim(targetRole, time.Since(start))
		q.logger.Info("run job claimed", zap.String("jobId", job.ID), zap.String("nodeId", nodeID), zap.String("runId", job.RunID))
	} else {
		telemetry.EndJobClaimSpan(span, false, "")
	}
	return job, nil
}

// HeartbeatJob extends nodeID's lease on jobID. Workers MUST call this at an
// interval no greater than leaseSeconds/3, per the worker contract in §4.4.
func (q *Queue) HeartbeatJob(jobID, nodeID string, leaseSeconds int) error {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	return q.store.HeartbeatJob(jobID, nodeID, leaseSeconds)
}

// CompleteJob marks jobID terminal.
func (q *Queue) CompleteJob(jobID, nodeID, outcome, lastError string) error {
	if err := q.store.CompleteJob(jobID, nodeID, outcome, lastError); err != nil {
		return err
	}
	q.logger.Info("run job completed", zap.String("jobId", jobID), zap.String("outcome", outcome))
	return nil
}

// ReleaseJob returns jobID to the queue if retryable, else marks it failed.
func (q *Queue) ReleaseJob(jobID, nodeID string, retryable bool, lastError string) error {
	if err := q.store.ReleaseJob(jobID, nodeID, retryable, lastError); err != nil {
		return err
	}
	q.logger.Warn("run job released", zap.String("jobId", jobID), zap.Bool("retryable", retryable), zap.String("error", lastError))
	return nil
}

// HasActiveJob reports whether runID currently has a queued or leased job.
func (q *Queue) HasActiveJob(runID string) (bool, error) {
	jobs, err := q.store.ListActiveRunJobsByRun(runID)
	if err != nil {
		return false, err
	}
	return len(jobs) > 0, nil
}

// RegisterWorker upserts a worker node's presence and issues it a bearer
// token whose bcrypt hash is persisted; the plaintext token is returned
// exactly once and must be presented by the worker on every subsequent
// call. This is the WorkerToken authentication story referenced in
// the data model's ambient addition.
func (q *Queue) RegisterWorker(nodeID, role string, capabilities []string) (token string, err error) {
	token, err = randomToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := q.store.UpsertWorkerNode(kernelstore.WorkerNode{
		NodeID: nodeID, Role: role, Capabilities: capabilities, Status: "online",
	}); err != nil {
		return "", err
	}
	q.tokenHashes.Store(nodeID, string(hash))
	return token, nil
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// AuthenticateWorker verifies token against the hash issued at
// registration time.
func (q *Queue) AuthenticateWorker(nodeID, token string) error {
	v, ok := q.tokenHashes.Load(nodeID)
	if !ok {
		return kernelerr.New(kernelerr.NotFound, "worker %s is not registered", nodeID)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(v.(string)), []byte(token)); err != nil {
		return kernelerr.New(kernelerr.NotFound, "invalid worker token for %s", nodeID)
	}
	return nil
}

// StartOrphanSweep runs a background loop that requeues jobs whose lease has
// silently expired (a crashed worker never called Heartbeat or Release).
// schedule accepts either a Go duration ("30s") or a standard cron
// expression, the same dual form the teacher's isScheduleDue recognizes.
func (q *Queue) StartOrphanSweep(ctx context.Context, schedule string) error {
	interval, err := parseSweepSchedule(schedule)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.sweepTicker != nil {
		q.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.sweepTicker = time.NewTicker(interval)
	ticker := q.sweepTicker
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				q.sweepOnce()
			}
		}
	}()
	return nil
}

func (q *Queue) sweepOnce() {
	reclaimed, err := q.store.ReclaimExpiredLeases()
	if err != nil {
		q.logger.Error("orphan lease sweep failed", zap.Error(err))
		return
	}
	for _, j := range reclaimed {
		q.logger.Warn("reclaimed orphaned lease", zap.String("jobId", j.ID), zap.String("runId", j.RunID))
	}
}

// StopOrphanSweep stops the background sweep loop; safe to call even if it
// was never started.
func (q *Queue) StopOrphanSweep() {
	q.mu.Lock()
	if q.sweepTicker == nil {
		q.mu.Unlock()
		return
	}
	q.sweepTicker.Stop()
	q.sweepTicker = nil
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func parseSweepSchedule(schedule string) (time.Duration, error) {
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return 0, kernelerr.New(kernelerr.ExecutionConfigMismatch, "sweep interval must be > 0")
		}
		return d, nil
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return 0, kernelerr.Wrap(kernelerr.ExecutionConfigMismatch, err, "invalid sweep schedule %q", schedule)
	}
	now := time.Now().UTC()
	next := spec.Next(now)
	return next.Sub(now), nil
}
