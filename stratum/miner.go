package stratum

import "context"

// Miner is the proof-of-work adapter the job coordinator dispatches
// validated jobs to. Hashing itself is out of scope here: stratumline only
// owns protocol plumbing, job bookkeeping, and cancellation -- callers
// supply the adapter that actually searches a nonce range.
//
// Clone is called once per dispatch so a long-running task from a
// superseded job can keep mutating its own private state (e.g. a nonce
// cursor) without racing the next task the coordinator starts.
type Miner interface {
	Clone() Miner
	Mine(ctx context.Context, job *MiningJob) (nonce uint32, err error)
}

// NullMiner never finds a nonce; it blocks until ctx is cancelled. It is
// useful as a default adapter for callers that only want job/difficulty
// plumbing (e.g. a pool-health probe) without running real hashing.
type NullMiner struct{}

func (NullMiner) Clone() Miner { return NullMiner{} }

func (NullMiner) Mine(ctx context.Context, _ *MiningJob) (uint32, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
