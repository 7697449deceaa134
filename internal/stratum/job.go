package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/yuchuanzhen/btcpool/internal/bitcoin"
	"github.com/yuchuanzhen/btcpool/internal/messaging"
)

// ExtraNonce2Size is the number of extranonce2 bytes a miner iterates.
// Together with the 4-byte extranonce1 (= session id) the coinbase carries
// an 8-byte extranonce.
const ExtraNonce2Size = 4

// ErrMalformedExtraNonce2 is returned when the submitted extranonce2 hex does
// not match the negotiated size.
var ErrMalformedExtraNonce2 = fmt.Errorf("extranonce2 must be %d hex characters", ExtraNonce2Size*2)

// StratumJob is a mining template as consumed from the bus, decoded into the
// binary forms share validation needs.
type StratumJob struct {
	JobID        uint64
	PrevHash     string // big-endian display hex
	Height       int32
	Coinbase1    []byte
	Coinbase2    []byte
	MerkleBranch []chainhash.Hash // stratum wire order
	Version      int32
	NBits        uint32
	NTime        uint32
	MinTarget    *big.Int // optional; nil derives the target from NBits

	merkleBranchHex []string
	prevHashBin     chainhash.Hash // internal byte order
}

// NewStratumJobFromMessage decodes a bus message into a StratumJob.
func NewStratumJobFromMessage(data []byte) (*StratumJob, error) {
	var msg messaging.StratumJobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode job message: %w", err)
	}

	coinbase1, err := hex.DecodeString(msg.Coinbase1)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase1 hex: %w", err)
	}
	coinbase2, err := hex.DecodeString(msg.Coinbase2)
	if err != nil {
		return nil, fmt.Errorf("invalid coinbase2 hex: %w", err)
	}

	prevHash, err := chainhash.NewHashFromStr(msg.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("invalid prev hash: %w", err)
	}

	branch := make([]chainhash.Hash, 0, len(msg.MerkleBranch))
	for i, s := range msg.MerkleBranch {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != chainhash.HashSize {
			return nil, fmt.Errorf("invalid merkle branch element %d", i)
		}
		var h chainhash.Hash
		copy(h[:], raw)
		branch = append(branch, h)
	}

	var minTarget *big.Int
	if msg.MinTarget != "" {
		minTarget, _ = new(big.Int).SetString(msg.MinTarget, 16)
		if minTarget == nil {
			return nil, fmt.Errorf("invalid minTarget hex")
		}
	}

	return &StratumJob{
		JobID:           msg.JobID,
		PrevHash:        msg.PrevHash,
		Height:          msg.Height,
		Coinbase1:       coinbase1,
		Coinbase2:       coinbase2,
		MerkleBranch:    branch,
		Version:         msg.Version,
		NBits:           msg.NBits,
		NTime:           msg.NTime,
		MinTarget:       minTarget,
		merkleBranchHex: msg.MerkleBranch,
		prevHashBin:     *prevHash,
	}, nil
}

// NetworkTarget returns the job's block-solving threshold: the explicit
// minimum-acceptable target when the template carries one, the nBits-derived
// target otherwise.
func (j *StratumJob) NetworkTarget() *big.Int {
	if j.MinTarget != nil {
		return j.MinTarget
	}
	return bitcoin.CompactToTarget(j.NBits)
}

// Job state, MINING until the chain tip moves or the job ages out.
const (
	jobStateMining int32 = 0
	jobStateStale  int32 = 1
)

// StratumJobEx is the server-enriched form of a template. The two notify
// fragments are built once so per-session broadcast is a concatenation, and
// the staleness flag gates share classification.
type StratumJobEx struct {
	Job     *StratumJob
	isClean bool

	state atomic.Int32

	notify1 string // up to and including the coinbase1 hex
	notify2 string // from coinbase2 hex up to the clean_jobs flag
}

// NewStratumJobEx wraps a job and precomputes its notify fragments.
func NewStratumJobEx(job *StratumJob, isClean bool) *StratumJobEx {
	ex := &StratumJobEx{
		Job:     job,
		isClean: isClean,
	}
	ex.makeMiningNotify()
	return ex
}

// makeMiningNotify builds the two payload fragments split at the extranonce
// placeholder. A session's notify line is
//
//	notify1 || hex(extranonce1) || notify2 || clean flag
//
// The miner appends its extranonce2 between coinbase1' and coinbase2 itself;
// only extranonce1 appears on the wire.
func (e *StratumJobEx) makeMiningNotify() {
	j := e.Job

	var b strings.Builder
	b.WriteString(`{"id":null,"method":"mining.notify","params":["`)
	fmt.Fprintf(&b, "%016x", j.JobID)
	b.WriteString(`","`)
	b.WriteString(notifyPrevHash(&j.prevHashBin))
	b.WriteString(`","`)
	b.WriteString(hex.EncodeToString(j.Coinbase1))
	e.notify1 = b.String()

	b.Reset()
	b.WriteString(`","`)
	b.WriteString(hex.EncodeToString(j.Coinbase2))
	b.WriteString(`",[`)
	for i, s := range j.merkleBranchHex {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(s)
		b.WriteByte('"')
	}
	b.WriteString(`],"`)
	fmt.Fprintf(&b, "%08x", uint32(j.Version))
	b.WriteString(`","`)
	fmt.Fprintf(&b, "%08x", j.NBits)
	b.WriteString(`","`)
	fmt.Fprintf(&b, "%08x", j.NTime)
	b.WriteString(`",`)
	e.notify2 = b.String()
}

// MiningNotify renders the notify line for one session. clean overrides the
// template's own flag so a freshness re-broadcast can carry clean_jobs=false.
func (e *StratumJobEx) MiningNotify(extraNonce1 uint32, clean bool) string {
	flag := "false"
	if clean {
		flag = "true"
	}
	return e.notify1 + fmt.Sprintf("%08x", extraNonce1) + e.notify2 + flag + "]}\n"
}

// IsClean reports whether the template represented a new chain tip.
func (e *StratumJobEx) IsClean() bool {
	return e.isClean
}

// MarkStale transitions MINING -> STALE. Idempotent; there is no reverse
// transition.
func (e *StratumJobEx) MarkStale() {
	e.state.Store(jobStateStale)
}

// IsStale returns the staleness flag.
func (e *StratumJobEx) IsStale() bool {
	return e.state.Load() == jobStateStale
}

// GenerateCoinbase materializes the coinbase transaction bytes for a
// submission:
//
//	coinbase1 || be32(extranonce1) || extranonce2 || coinbase2
//
// It fails with ErrMalformedExtraNonce2 when the hex length does not match
// the negotiated extranonce2 size.
func (e *StratumJobEx) GenerateCoinbase(extraNonce1 uint32, extraNonce2Hex string) ([]byte, error) {
	if len(extraNonce2Hex) != ExtraNonce2Size*2 {
		return nil, ErrMalformedExtraNonce2
	}
	extraNonce2, err := hex.DecodeString(extraNonce2Hex)
	if err != nil {
		return nil, ErrMalformedExtraNonce2
	}

	j := e.Job
	coinbase := make([]byte, 0, len(j.Coinbase1)+4+ExtraNonce2Size+len(j.Coinbase2))
	coinbase = append(coinbase, j.Coinbase1...)
	coinbase = binary.BigEndian.AppendUint32(coinbase, extraNonce1)
	coinbase = append(coinbase, extraNonce2...)
	coinbase = append(coinbase, j.Coinbase2...)
	return coinbase, nil
}

// GenerateHeader assembles the candidate 80-byte block header for a
// submission: the merkle root is folded from the coinbase hash through the
// branch, then the standard little-endian header layout is packed.
func (e *StratumJobEx) GenerateHeader(coinbaseBin []byte, nTime, nonce uint32) [80]byte {
	j := e.Job

	coinbaseHash := bitcoin.DoubleSHA256(coinbaseBin)
	merkleRoot := bitcoin.MerkleRootFromBranch(coinbaseHash, j.MerkleBranch)

	var header [80]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(j.Version))
	copy(header[4:36], j.prevHashBin[:])
	copy(header[36:68], merkleRoot[:])
	binary.LittleEndian.PutUint32(header[68:72], nTime)
	binary.LittleEndian.PutUint32(header[72:76], j.NBits)
	binary.LittleEndian.PutUint32(header[76:80], nonce)
	return header
}

// notifyPrevHash renders the previous block hash the way stratum notify
// expects it: the 32 bytes as eight little-endian uint32 words, each word
// hex-encoded in order.
func notifyPrevHash(h *chainhash.Hash) string {
	var b strings.Builder
	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(&b, "%08x", binary.LittleEndian.Uint32(h[i:i+4]))
	}
	return b.String()
}
