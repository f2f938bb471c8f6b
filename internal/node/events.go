package node

import (
	"github.com/djkazic/stratumd/internal/types"
	"github.com/djkazic/stratumd/internal/work"
)

// Events published on the node's event channel. Consumers subscribe via
// Events(); delivery is best effort and never blocks the hot path.

// NewJobEvent signals that a job was broadcast to miners.
type NewJobEvent struct {
	Job *work.JobData
}

// ShareAcceptedEvent signals that a share passed validation.
type ShareAcceptedEvent struct {
	Share *types.Share
}

// BlockFoundEvent signals that an accepted share met full block
// difficulty.
type BlockFoundEvent struct {
	Share    *types.Share
	Accepted bool // submitblock verdict
}
