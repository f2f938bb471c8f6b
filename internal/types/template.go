package types

// PayoutEntry is a single output in the coinbase transaction. A pool
// endpoint normally has exactly one (the pool address receives the full
// reward); the slice form keeps room for an operator fee split.
type PayoutEntry struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"` // satoshis
}

// BlockTemplateData is the intermediate representation of a block template
// consumed by the job builder.
type BlockTemplateData struct {
	Height            int64
	PrevBlockHash     string
	Version           string // hex
	Bits              string // hex compact target
	CurTime           string // hex timestamp
	CoinbaseValue     int64
	WitnessCommitment string // hex scriptPubKey, empty if no segwit txs
	Network           string
	TxHashes          []string // transaction hashes in internal byte order (hex)
}
