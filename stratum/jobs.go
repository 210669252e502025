package stratum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// maxJobHistory bounds how many superseded jobs ValidateShare can still
	// resolve a share against, mirroring the Rust original's JobHistory cap.
	maxJobHistory = 10
	// maxJobAge evicts history entries older than this regardless of count.
	maxJobAge = 10 * time.Minute
	// resultQueueDepth bounds how many mining results can be buffered before
	// the facade drains them.
	resultQueueDepth = 8
)

// Result is a completed mining task: the nonce the adapter found, paired
// with the job it was found for.
type Result struct {
	Nonce uint32
	Job   *MiningJob
}

type historyEntry struct {
	job        *MiningJob
	receivedAt time.Time
}

type runningJob struct {
	job    *MiningJob
	cancel context.CancelFunc
}

// JobCoordinator owns the enqueued job, enqueued difficulty, and
// currently-running job identity described in spec.md §4.3, and drives the
// "maybe_run" dispatch rule that hands a job to the Miner adapter exactly
// once both a job and a difficulty are present and the job is new.
//
// All of that state is fused behind a single mutex rather than the four
// independent guards spec.md §5 describes, per the redesign note in §9:
// one guard removes the job->difficulty->running acquisition-order
// bookkeeping a multi-guard version would need.
type JobCoordinator struct {
	mu sync.Mutex

	enqueuedJob        *MiningJob
	enqueuedDifficulty *MiningTarget
	running            *runningJob
	history            map[string]historyEntry
	extranonce2Size    int

	miner   Miner
	results chan Result
	log     *logrus.Entry
}

// NewJobCoordinator builds a coordinator that dispatches to miner.
func NewJobCoordinator(miner Miner, log *logrus.Entry) *JobCoordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobCoordinator{
		history: make(map[string]historyEntry, maxJobHistory),
		miner:   miner,
		results: make(chan Result, resultQueueDepth),
		log:     log,
	}
}

// SetExtranonce2Size records the pool's subscribed extranonce2 size so
// ValidateShare can check a submitted share's extranonce2 length against it
// when known, per spec.md §4.3.
func (jc *JobCoordinator) SetExtranonce2Size(size int) {
	jc.mu.Lock()
	jc.extranonce2Size = size
	jc.mu.Unlock()
}

// Results is the outbound channel of (nonce, job) pairs the miner adapter
// produces; a cancelled task never publishes to it.
func (jc *JobCoordinator) Results() <-chan Result {
	return jc.results
}

// HandleJobNotification validates and ingests a mining.notify payload.
func (jc *JobCoordinator) HandleJobNotification(params json.RawMessage) error {
	job, err := validateJob(params)
	if err != nil {
		return err
	}

	jc.mu.Lock()
	defer jc.mu.Unlock()

	jc.addToHistoryLocked(job)
	jc.enqueuedJob = job
	jc.maybeRunLocked()
	return nil
}

// HandleDifficultyNotification validates and ingests a mining.set_difficulty
// payload.
func (jc *JobCoordinator) HandleDifficultyNotification(params json.RawMessage) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return wrapErr(KindProtocol, "malformed mining.set_difficulty params", err)
	}
	if len(arr) == 0 {
		return newErr(KindProtocol, "empty mining.set_difficulty params")
	}

	var difficulty float64
	if err := json.Unmarshal(arr[0], &difficulty); err != nil {
		return wrapErr(KindProtocol, "invalid difficulty value", err)
	}
	if math.IsNaN(difficulty) || math.IsInf(difficulty, 0) || difficulty <= 0 {
		return newErr(KindProtocol, "difficulty must be a positive finite number")
	}

	target := &MiningTarget{Difficulty: difficulty, Target: calculateTarget(difficulty)}

	jc.mu.Lock()
	defer jc.mu.Unlock()
	jc.enqueuedDifficulty = target
	jc.maybeRunLocked()
	return nil
}

// addToHistoryLocked records job in the bounded history used by
// ValidateShare to resolve shares against superseded jobs. Callers must
// hold jc.mu.
func (jc *JobCoordinator) addToHistoryLocked(job *MiningJob) {
	if job.CleanJobs {
		jc.history = make(map[string]historyEntry, maxJobHistory)
	}

	now := time.Now()
	for id, entry := range jc.history {
		if now.Sub(entry.receivedAt) >= maxJobAge {
			delete(jc.history, id)
		}
	}

	if len(jc.history) >= maxJobHistory {
		var oldestID string
		var oldestAt time.Time
		first := true
		for id, entry := range jc.history {
			if first || entry.receivedAt.Before(oldestAt) {
				oldestID, oldestAt, first = id, entry.receivedAt, false
			}
		}
		if oldestID != "" {
			delete(jc.history, oldestID)
		}
	}

	jc.history[job.JobID] = historyEntry{job: job, receivedAt: now}
}

// maybeRunLocked implements spec.md §4.3's dispatch rule. Callers must hold
// jc.mu; it is held for the decision, the cancellation signal to any
// previous task, and the registration of the new running identity, so a
// racing notification can never observe a stale currently_running value.
func (jc *JobCoordinator) maybeRunLocked() {
	if jc.enqueuedJob == nil || jc.enqueuedDifficulty == nil {
		return
	}
	job := jc.enqueuedJob

	if jc.running != nil && jc.running.job.sameIdentity(job) {
		return // no spurious redispatch
	}

	jobCopy := *job
	targetCopy := *jc.enqueuedDifficulty
	jobCopy.Target = &targetCopy

	if jc.running != nil {
		jc.running.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rj := &runningJob{job: &jobCopy, cancel: cancel}
	jc.running = rj

	minerClone := jc.miner.Clone()
	go jc.runMiner(ctx, minerClone, &jobCopy, rj)
}

// runMiner executes one dispatched mining task and, unless it was
// cancelled, forwards its result. It clears currently_running when it
// finishes for any reason, but only if it is still the task on record --
// a superseding dispatch may already have replaced it.
func (jc *JobCoordinator) runMiner(ctx context.Context, miner Miner, job *MiningJob, rj *runningJob) {
	nonce, err := miner.Mine(ctx, job)

	jc.mu.Lock()
	if jc.running == rj {
		jc.running = nil
	}
	jc.mu.Unlock()

	if ctx.Err() != nil {
		return // cancelled: no result is ever published
	}
	if err != nil {
		jc.log.WithError(err).WithField("job_id", job.JobID).Warn("miner task failed")
		return
	}

	select {
	case jc.results <- Result{Nonce: nonce, Job: job}:
	default:
		jc.log.WithField("job_id", job.JobID).Warn("mining result channel full, dropping result")
	}
}

// GetCurrentJob returns the currently enqueued job, with its bound target
// if it is the job presently dispatched to the miner.
func (jc *JobCoordinator) GetCurrentJob() *MiningJob {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.enqueuedJob == nil {
		return nil
	}
	if jc.running != nil && jc.running.job.sameIdentity(jc.enqueuedJob) {
		return jc.running.job
	}
	return jc.enqueuedJob
}

// GetTarget returns the currently enqueued target, failing if none has been
// received yet.
func (jc *JobCoordinator) GetTarget() (*MiningTarget, error) {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.enqueuedDifficulty == nil {
		return nil, newErr(KindProtocol, "no target available")
	}
	return jc.enqueuedDifficulty, nil
}

// calculateTarget mirrors the reference pool convention: difficulty 1
// corresponds to target 0x00000000ffff0000...00.
func calculateTarget(difficulty float64) string {
	target := make([]byte, 32)
	mantissa := uint16(0xFFFF / difficulty)
	target[2] = byte(mantissa >> 8)
	target[3] = byte(mantissa)
	return hex.EncodeToString(target)
}

func validateJob(params json.RawMessage) (*MiningJob, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil {
		return nil, wrapErr(KindInvalidJob, "malformed mining.notify params", err)
	}
	if len(arr) < 8 {
		return nil, newErr(KindInvalidJob, "incomplete job parameters")
	}

	jobID, err := decodeString(arr[0])
	if err != nil {
		return nil, newErr(KindInvalidJob, "invalid job_id")
	}

	prevHash, err := decodeString(arr[1])
	if err != nil {
		return nil, newErr(KindInvalidJob, "invalid prev_hash")
	}
	if len(prevHash) != 64 {
		return nil, newErr(KindInvalidJob, "prev_hash must be 32 bytes hex-encoded")
	}

	coinbase1, err := decodeHexString(arr[2])
	if err != nil {
		return nil, newErr(KindInvalidJob, "coinbase1 must be hex encoded")
	}
	coinbase2, err := decodeHexString(arr[3])
	if err != nil {
		return nil, newErr(KindInvalidJob, "coinbase2 must be hex encoded")
	}

	var merkleBranch []string
	if err := json.Unmarshal(arr[4], &merkleBranch); err != nil {
		return nil, newErr(KindInvalidJob, "invalid merkle_branch")
	}

	version, err := decodeString(arr[5])
	if err != nil || len(version) != 8 {
		return nil, newErr(KindInvalidJob, "version must be 4 bytes hex-encoded")
	}

	nbits, err := decodeString(arr[6])
	if err != nil || len(nbits) != 8 {
		return nil, newErr(KindInvalidJob, "nbits must be 4 bytes hex-encoded")
	}

	ntime, err := decodeString(arr[7])
	if err != nil || len(ntime) != 8 {
		return nil, newErr(KindInvalidJob, "ntime must be 4 bytes hex-encoded")
	}

	cleanJobs := false
	if len(arr) > 8 {
		_ = json.Unmarshal(arr[8], &cleanJobs)
	}

	return &MiningJob{
		JobID:        jobID,
		PrevHash:     prevHash,
		Coinbase1:    coinbase1,
		Coinbase2:    coinbase2,
		MerkleBranch: merkleBranch,
		Version:      version,
		NBits:        nbits,
		NTime:        ntime,
		CleanJobs:    cleanJobs,
	}, nil
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func decodeHexString(raw json.RawMessage) (string, error) {
	s, err := decodeString(raw)
	if err != nil {
		return "", err
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", err
	}
	return s, nil
}
