package messaging

// StratumJobMessage is the wire form of a mining template on the StratumJob
// topic. The encoding is self-describing JSON; every field of the template is
// carried so the server never has to consult the node.
//
// PrevHash is the big-endian display hex of the previous block hash. Coinbase1
// and Coinbase2 are the hex byte sequences surrounding the 8-byte extranonce
// placeholder. MerkleBranch elements are hex in stratum wire order.
type StratumJobMessage struct {
	JobID        uint64   `json:"jobId"`
	PrevHash     string   `json:"prevHash"`
	Height       int32    `json:"height"`
	Coinbase1    string   `json:"coinbase1"`
	Coinbase2    string   `json:"coinbase2"`
	MerkleBranch []string `json:"merkleBranch"`
	Version      int32    `json:"nVersion"`
	NBits        uint32   `json:"nBits"`
	NTime        uint32   `json:"nTime"`
	// MinTarget optionally pins the minimum-acceptable target as big-endian
	// hex; when absent the target derives from NBits.
	MinTarget     string `json:"minTarget,omitempty"`
	CoinbaseValue int64  `json:"coinbaseValue,omitempty"`
}
