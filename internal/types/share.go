package types

import (
	"time"

	"github.com/djkazic/stratumd/pkg/util"
)

// Share is an accepted work submission as recorded in the share log. The
// submission fields are kept exactly as they arrived on the wire so a
// record can always be replayed against its job.
type Share struct {
	Hash [32]byte `json:"hash"`

	JobID       string `json:"job_id"`
	Worker      string `json:"worker"`
	ExtraNonce1 string `json:"extranonce1"`
	ExtraNonce2 string `json:"extranonce2"`
	NTime       string `json:"ntime"`
	Nonce       string `json:"nonce"`

	// Difficulty is the session target the share was checked against;
	// ActualDifficulty is what the hash actually achieved.
	Difficulty       float64 `json:"difficulty"`
	ActualDifficulty float64 `json:"actual_difficulty"`

	Height     int64 `json:"height"`
	AcceptedAt int64 `json:"accepted_at"` // unix seconds
	IsBlock    bool  `json:"is_block"`
}

// HashHex returns the share hash in Bitcoin display order.
func (s *Share) HashHex() string {
	return util.HashToHex(s.Hash)
}

// Time returns the acceptance time.
func (s *Share) Time() time.Time {
	return time.Unix(s.AcceptedAt, 0)
}
