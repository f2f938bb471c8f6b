package shares

import (
	"encoding/hex"
	"math/big"
	"sync"
	"time"

	"github.com/djkazic/stratumd/internal/stratum"
	"github.com/djkazic/stratumd/internal/types"
	"github.com/djkazic/stratumd/internal/work"
	"github.com/djkazic/stratumd/pkg/util"
)

const (
	// maxNTimeFuture is the maximum time a submitted ntime can be ahead of
	// our clock.
	maxNTimeFuture = 2 * time.Minute

	// maxTrackedJobs bounds the duplicate-detection table. Jobs are evicted
	// oldest-first; a submission for an evicted job is already rejected as
	// stale before the duplicate check runs.
	maxTrackedJobs = 32
)

// diff1Target is the difficulty-1 target, the reference point for share
// difficulty arithmetic.
var diff1Target = util.CompactToTarget(0x1d00ffff)

// JobSource looks up jobs referenced by submissions.
type JobSource interface {
	GetJob(id string) *work.JobData
}

// Validator checks submissions against their jobs. A failed check is a
// *stratum.RejectError carrying the code reported to the miner.
type Validator struct {
	jobs JobSource

	mu    sync.Mutex
	seen  map[string]map[string]struct{} // job id -> submission keys
	order []string
}

// NewValidator creates a validator backed by the given job source.
func NewValidator(jobs JobSource) *Validator {
	return &Validator{
		jobs: jobs,
		seen: make(map[string]map[string]struct{}),
	}
}

// Validate runs every check on a submission and, on success, returns the
// share record to log. Checks are ordered cheapest first; the hash is only
// computed for well-formed, non-duplicate submissions.
func (v *Validator) Validate(sub *stratum.ShareSubmission, now time.Time) (*types.Share, error) {
	job := v.jobs.GetJob(sub.JobID)
	if job == nil {
		return nil, &stratum.RejectError{Code: stratum.ErrUnknownJob, Reason: "job not found"}
	}

	if !isHexField(sub.ExtraNonce2, stratum.ExtraNonce2Size*2) {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "malformed extranonce2"}
	}
	if !isHexField(sub.NTime, 8) {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "malformed ntime"}
	}
	if !isHexField(sub.Nonce, 8) {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "malformed nonce"}
	}

	ntime, err := util.HexUint32(sub.NTime)
	if err != nil {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "malformed ntime"}
	}
	jobNTime, err := util.HexUint32(job.NTime)
	if err != nil {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "bad job ntime"}
	}
	if ntime < jobNTime {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "ntime before job"}
	}
	if int64(ntime) > now.Add(maxNTimeFuture).Unix() {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "ntime too far in the future"}
	}

	if v.isDuplicate(sub) {
		return nil, &stratum.RejectError{Code: stratum.ErrDuplicate, Reason: "duplicate share"}
	}

	header, _, err := work.ReconstructHeader(job, sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce)
	if err != nil {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "header reconstruction failed"}
	}

	hash := util.DoubleSHA256(header)
	shareTarget := util.DifficultyToTarget(sub.Difficulty, diff1Target)
	if !util.HashMeetsTarget(hash, shareTarget) {
		return nil, &stratum.RejectError{Code: stratum.ErrLowDifficulty, Reason: "hash above share target"}
	}

	hashInt := new(big.Int).SetBytes(util.ReverseBytes(hash[:]))

	nbits, err := util.HexUint32(job.NBits)
	if err != nil {
		return nil, &stratum.RejectError{Code: stratum.ErrOther, Reason: "bad job nbits"}
	}
	isBlock := util.HashMeetsTarget(hash, util.CompactToTarget(nbits))

	v.markSeen(sub)

	return &types.Share{
		Hash:             hash,
		JobID:            sub.JobID,
		Worker:           sub.Username,
		ExtraNonce1:      sub.ExtraNonce1,
		ExtraNonce2:      sub.ExtraNonce2,
		NTime:            sub.NTime,
		Nonce:            sub.Nonce,
		Difficulty:       sub.Difficulty,
		ActualDifficulty: util.TargetToDifficulty(hashInt, diff1Target),
		Height:           job.Height,
		AcceptedAt:       now.Unix(),
		IsBlock:          isBlock,
	}, nil
}

func isHexField(s string, wantLen int) bool {
	if len(s) != wantLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// dupKey identifies one distinct unit of work within a job.
func dupKey(sub *stratum.ShareSubmission) string {
	return sub.ExtraNonce1 + sub.ExtraNonce2 + sub.NTime + sub.Nonce
}

func (v *Validator) isDuplicate(sub *stratum.ShareSubmission) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys, ok := v.seen[sub.JobID]
	if !ok {
		return false
	}
	_, dup := keys[dupKey(sub)]
	return dup
}

func (v *Validator) markSeen(sub *stratum.ShareSubmission) {
	v.mu.Lock()
	defer v.mu.Unlock()

	keys, ok := v.seen[sub.JobID]
	if !ok {
		keys = make(map[string]struct{})
		v.seen[sub.JobID] = keys
		v.order = append(v.order, sub.JobID)

		for len(v.order) > maxTrackedJobs {
			delete(v.seen, v.order[0])
			v.order = v.order[1:]
		}
	}
	keys[dupKey(sub)] = struct{}{}
}
