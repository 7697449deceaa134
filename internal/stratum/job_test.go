package stratum

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/yuchuanzhen/btcpool/internal/bitcoin"
	"github.com/yuchuanzhen/btcpool/internal/messaging"
)

const testPrevHash = "0000000000000000000000000000000000000000000000000000000000000001"

func testJobMessage(t *testing.T, jobID uint64, prevHash string, nTime uint32) []byte {
	t.Helper()

	msg := messaging.StratumJobMessage{
		JobID:        jobID,
		PrevHash:     prevHash,
		Height:       100,
		Coinbase1:    "01",
		Coinbase2:    "ff",
		MerkleBranch: nil,
		Version:      2,
		NBits:        0x1d00ffff,
		NTime:        nTime,
	}
	data, err := json.Marshal(&msg)
	if err != nil {
		t.Fatalf("failed to marshal job message: %v", err)
	}
	return data
}

func mustJob(t *testing.T, data []byte) *StratumJob {
	t.Helper()
	job, err := NewStratumJobFromMessage(data)
	if err != nil {
		t.Fatalf("NewStratumJobFromMessage failed: %v", err)
	}
	return job
}

func TestNewStratumJobFromMessage(t *testing.T) {
	job := mustJob(t, testJobMessage(t, 42, testPrevHash, 1600000000))

	if job.JobID != 42 {
		t.Errorf("job id = %d, want 42", job.JobID)
	}
	if job.Height != 100 {
		t.Errorf("height = %d, want 100", job.Height)
	}
	if !bytes.Equal(job.Coinbase1, []byte{0x01}) {
		t.Errorf("coinbase1 = %x", job.Coinbase1)
	}
	if job.NBits != 0x1d00ffff {
		t.Errorf("nBits = %08x", job.NBits)
	}
}

func TestNewStratumJobFromMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `garbage`},
		{"bad coinbase1", `{"jobId":1,"prevHash":"` + testPrevHash + `","coinbase1":"zz","coinbase2":"ff"}`},
		{"bad prev hash", `{"jobId":1,"prevHash":"xyz","coinbase1":"01","coinbase2":"ff"}`},
		{"bad branch", `{"jobId":1,"prevHash":"` + testPrevHash + `","coinbase1":"01","coinbase2":"ff","merkleBranch":["ab"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStratumJobFromMessage([]byte(tt.data)); err == nil {
				t.Error("expected decode error")
			}
		})
	}
}

func TestMarkStale_Idempotent(t *testing.T) {
	ex := NewStratumJobEx(mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000)), true)

	if ex.IsStale() {
		t.Fatal("fresh job must be MINING")
	}

	ex.MarkStale()
	if !ex.IsStale() {
		t.Fatal("job must be stale after MarkStale")
	}

	ex.MarkStale()
	if !ex.IsStale() {
		t.Fatal("MarkStale must be idempotent")
	}
}

func TestMiningNotify_ParsesAsValidPayload(t *testing.T) {
	ex := NewStratumJobEx(mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000)), true)

	line := ex.MiningNotify(0x01000000, true)
	if line[len(line)-1] != '\n' {
		t.Fatal("notify line must end with a newline")
	}

	var msg struct {
		ID     any    `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("notify line is not valid JSON: %v", err)
	}

	if msg.Method != "mining.notify" {
		t.Errorf("method = %q", msg.Method)
	}
	if len(msg.Params) != 9 {
		t.Fatalf("expected 9 notify params, got %d", len(msg.Params))
	}

	if msg.Params[0] != "0000000000000001" {
		t.Errorf("job id param = %v", msg.Params[0])
	}
	// coinbase1 carries the session's extranonce1 appended
	if msg.Params[2] != "01"+"01000000" {
		t.Errorf("coinb1 param = %v", msg.Params[2])
	}
	if msg.Params[3] != "ff" {
		t.Errorf("coinb2 param = %v", msg.Params[3])
	}
	if msg.Params[5] != "00000002" {
		t.Errorf("version param = %v", msg.Params[5])
	}
	if msg.Params[6] != "1d00ffff" {
		t.Errorf("nbits param = %v", msg.Params[6])
	}
	if msg.Params[7] != "5f5e1000" {
		t.Errorf("ntime param = %v", msg.Params[7])
	}
	if msg.Params[8] != true {
		t.Errorf("clean_jobs param = %v", msg.Params[8])
	}

	// the re-broadcast form flips only the clean flag
	line = ex.MiningNotify(0x01000000, false)
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("re-broadcast line is not valid JSON: %v", err)
	}
	if msg.Params[8] != false {
		t.Errorf("clean_jobs param = %v, want false", msg.Params[8])
	}
}

func TestGenerateCoinbase(t *testing.T) {
	ex := NewStratumJobEx(mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000)), false)

	coinbase, err := ex.GenerateCoinbase(0x01000000, "deadbeef")
	if err != nil {
		t.Fatalf("GenerateCoinbase failed: %v", err)
	}

	want := []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0xde, 0xad, 0xbe, 0xef, 0xff}
	if !bytes.Equal(coinbase, want) {
		t.Errorf("coinbase = %x, want %x", coinbase, want)
	}
}

func TestGenerateCoinbase_MalformedExtraNonce2(t *testing.T) {
	ex := NewStratumJobEx(mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000)), false)

	for _, en2 := range []string{"", "abc", "deadbeefee", "zzzzzzzz"} {
		if _, err := ex.GenerateCoinbase(1, en2); err != ErrMalformedExtraNonce2 {
			t.Errorf("extranonce2 %q: expected ErrMalformedExtraNonce2, got %v", en2, err)
		}
	}
}

func TestGenerateHeader_RoundTrip(t *testing.T) {
	ex := NewStratumJobEx(mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000)), false)

	coinbase, err := ex.GenerateCoinbase(0x01000000, "00000000")
	if err != nil {
		t.Fatalf("GenerateCoinbase failed: %v", err)
	}

	const nonce = uint32(0xcafebabe)
	header := ex.GenerateHeader(coinbase, 1600000000, nonce)

	var decoded wire.BlockHeader
	if err := decoded.Deserialize(bytes.NewReader(header[:])); err != nil {
		t.Fatalf("header does not deserialize: %v", err)
	}

	if decoded.Version != 2 {
		t.Errorf("version = %d", decoded.Version)
	}
	if decoded.PrevBlock.String() != testPrevHash {
		t.Errorf("prev block = %s", decoded.PrevBlock.String())
	}
	if uint32(decoded.Timestamp.Unix()) != 1600000000 {
		t.Errorf("ntime = %d", decoded.Timestamp.Unix())
	}
	if decoded.Bits != 0x1d00ffff {
		t.Errorf("bits = %08x", decoded.Bits)
	}
	if decoded.Nonce != nonce {
		t.Errorf("nonce = %08x", decoded.Nonce)
	}

	// with an empty branch the merkle root is the coinbase hash itself
	wantRoot := bitcoin.DoubleSHA256(coinbase)
	if decoded.MerkleRoot != wantRoot {
		t.Errorf("merkle root = %s, want %s", decoded.MerkleRoot, wantRoot)
	}
}

func TestGenerateHeader_MerkleBranchFold(t *testing.T) {
	branchHex := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	msg := messaging.StratumJobMessage{
		JobID:        7,
		PrevHash:     testPrevHash,
		Height:       100,
		Coinbase1:    "01",
		Coinbase2:    "ff",
		MerkleBranch: []string{branchHex},
		Version:      2,
		NBits:        0x1d00ffff,
		NTime:        1600000000,
	}
	data, _ := json.Marshal(&msg)
	ex := NewStratumJobEx(mustJob(t, data), false)

	coinbase, _ := ex.GenerateCoinbase(1, "00000000")
	header := ex.GenerateHeader(coinbase, 1600000000, 0)

	coinbaseHash := bitcoin.DoubleSHA256(coinbase)
	raw, _ := hex.DecodeString(branchHex)
	var branchHash chainhash.Hash
	copy(branchHash[:], raw)

	concat := append(coinbaseHash[:], branchHash[:]...)
	wantRoot := chainhash.DoubleHashH(concat)

	if !bytes.Equal(header[36:68], wantRoot[:]) {
		t.Errorf("merkle root = %x, want %x", header[36:68], wantRoot[:])
	}
}

func TestNetworkTarget(t *testing.T) {
	job := mustJob(t, testJobMessage(t, 1, testPrevHash, 1600000000))

	want := bitcoin.CompactToTarget(0x1d00ffff)
	if job.NetworkTarget().Cmp(want) != 0 {
		t.Errorf("network target = %x, want %x", job.NetworkTarget(), want)
	}

	// an explicit minimum-acceptable target takes precedence over nBits
	data := []byte(`{"jobId":1,"prevHash":"` + testPrevHash + `","coinbase1":"01","coinbase2":"ff","nBits":487587839,"minTarget":"ff00"}`)
	job = mustJob(t, data)
	if job.NetworkTarget().Int64() != 0xff00 {
		t.Errorf("explicit target = %x, want ff00", job.NetworkTarget())
	}
}

func TestJobAcceptsZeroNTime(t *testing.T) {
	job := mustJob(t, testJobMessage(t, 1, testPrevHash, 0))
	if job.NTime != 0 {
		t.Errorf("nTime = %d, want 0", job.NTime)
	}
}
