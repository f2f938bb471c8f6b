package bitcoin

import (
	"encoding/json"
	"fmt"
)

// BlockTemplate is the subset of the getblocktemplate response the pool
// cares about.
type BlockTemplate struct {
	Version                  int32                 `json:"version"`
	PreviousBlockHash        string                `json:"previousblockhash"`
	Transactions             []TemplateTransaction `json:"transactions"`
	CoinbaseValue            int64                 `json:"coinbasevalue"`
	Target                   string                `json:"target"`
	MinTime                  int64                 `json:"mintime"`
	Mutable                  []string              `json:"mutable"`
	CurTime                  int64                 `json:"curtime"`
	Bits                     string                `json:"bits"`
	Height                   int64                 `json:"height"`
	DefaultWitnessCommitment string                `json:"default_witness_commitment"`
}

// TemplateTransaction is one transaction in a block template.
type TemplateTransaction struct {
	Data   string `json:"data"`
	TxID   string `json:"txid"`
	Hash   string `json:"hash"`
	Fee    int64  `json:"fee"`
	Weight int    `json:"weight"`
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// RPCError is a JSON-RPC error returned by bitcoind.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}
