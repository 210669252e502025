package stratum

import (
	"crypto/rand"
	"encoding/hex"
)

// ValidateShare checks a share's wire format and correlates it against a
// known job before it is ever sent to the pool. It consults both the
// currently enqueued job and the bounded job history, so a share mined
// against a job that has since been superseded (but not yet evicted) still
// validates.
func (jc *JobCoordinator) ValidateShare(share Share) error {
	if len(share.Nonce) != 8 {
		return newErr(KindProtocol, "nonce must be 4 bytes hex-encoded")
	}
	if _, err := hex.DecodeString(share.Nonce); err != nil {
		return wrapErr(KindHexDecode, "nonce is not valid hex", err)
	}
	if _, err := hex.DecodeString(share.Extranonce2); err != nil {
		return wrapErr(KindHexDecode, "extranonce2 is not valid hex", err)
	}
	jc.mu.Lock()
	expectedSize := jc.extranonce2Size
	jc.mu.Unlock()
	if expectedSize > 0 && len(share.Extranonce2) != expectedSize*2 {
		return newErr(KindProtocol, "extranonce2 length does not match the subscribed extranonce2 size")
	}
	if len(share.NTime) != 8 {
		return newErr(KindProtocol, "ntime must be 4 bytes hex-encoded")
	}

	job, ok := jc.lookupJob(share.JobID)
	if !ok {
		return newErr(KindInvalidJob, "share references unknown job id")
	}
	if share.NTime != job.NTime {
		return newErr(KindInvalidJob, "share ntime does not match job ntime")
	}
	return nil
}

// lookupJob resolves a job id against the currently enqueued job first,
// falling back to history so shares for a just-superseded job still
// validate.
func (jc *JobCoordinator) lookupJob(jobID string) (*MiningJob, bool) {
	jc.mu.Lock()
	defer jc.mu.Unlock()

	if jc.enqueuedJob != nil && jc.enqueuedJob.JobID == jobID {
		return jc.enqueuedJob, true
	}
	if entry, ok := jc.history[jobID]; ok {
		return entry.job, true
	}
	return nil, false
}

// GenerateExtranonce2 produces a random extranonce2 of the given byte size,
// hex-encoded for inclusion in a submit_share call.
func GenerateExtranonce2(size int) (string, error) {
	if size <= 0 {
		return "", newErr(KindProtocol, "extranonce2 size must be positive")
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", wrapErr(KindIO, "failed to generate extranonce2", err)
	}
	return hex.EncodeToString(buf), nil
}
