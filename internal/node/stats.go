package node

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/djkazic/stratumd/internal/metrics"

	"go.uber.org/zap"
)

// statsResponse is the /api/stats payload.
type statsResponse struct {
	Network       string  `json:"network"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Sessions      int     `json:"sessions"`
	SharesStored  int     `json:"shares_stored"`
	BlocksFound   uint64  `json:"blocks_found"`
	HashrateHS    float64 `json:"hashrate_hs"`
	InstanceID    uint32  `json:"instance_id"`
}

// httpHandler serves the observability surface sharing the stratum port.
func (n *Node) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/stats", n.handleStats)
	return mux
}

func (n *Node) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := statsResponse{
		Network:       n.cfg.Network,
		UptimeSeconds: int64(time.Since(n.startTime).Seconds()),
		Sessions:      n.server.SessionCount(),
		SharesStored:  n.store.Count(),
		BlocksFound:   n.blocksFound.Load(),
		HashrateHS:    n.estimateHashrate(),
		InstanceID:    n.server.InstanceID(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		n.logger.Debug("stats encode failed", zap.Error(err))
	}
}
