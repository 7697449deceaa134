package stratum

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestShareRecord_WireSize(t *testing.T) {
	r := &ShareRecord{}
	data := r.Marshal()
	if len(data) != ShareRecordSize {
		t.Fatalf("record size = %d, want %d", len(data), ShareRecordSize)
	}
}

func TestShareRecord_Layout(t *testing.T) {
	r := &ShareRecord{
		JobID:       0x1122334455667788,
		WorkerID:    -2,
		UserID:      77,
		SessionID:   0x01000000,
		IP:          0x7f000001,
		ShareDiff:   8192,
		NTime:       1600000000,
		Nonce:       0xcafebabe,
		ExtraNonce2: 0xdeadbeef,
		Height:      812345,
		Result:      uint32(StatusAccepted),
		Timestamp:   1600000123,
	}

	data := r.Marshal()

	// spot-check the little-endian field offsets of the wire contract
	if got := binary.LittleEndian.Uint64(data[0:8]); got != r.JobID {
		t.Errorf("job_id on wire = %x", got)
	}
	if got := int64(binary.LittleEndian.Uint64(data[8:16])); got != r.WorkerID {
		t.Errorf("worker_id on wire = %d", got)
	}
	if got := int32(binary.LittleEndian.Uint32(data[16:20])); got != r.UserID {
		t.Errorf("user_id on wire = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[20:24]); got != r.SessionID {
		t.Errorf("session_id on wire = %x", got)
	}
	if got := binary.LittleEndian.Uint32(data[24:28]); got != r.IP {
		t.Errorf("ip on wire = %x", got)
	}
	if got := binary.LittleEndian.Uint64(data[28:36]); got != r.ShareDiff {
		t.Errorf("share_diff on wire = %d", got)
	}
	if got := binary.LittleEndian.Uint32(data[56:60]); got != r.Result {
		t.Errorf("result on wire = %d", got)
	}

	parsed, err := UnmarshalShareRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalShareRecord failed: %v", err)
	}
	if *parsed != *r {
		t.Errorf("round trip mismatch: %+v != %+v", parsed, r)
	}
}

func TestUnmarshalShareRecord_BadSize(t *testing.T) {
	if _, err := UnmarshalShareRecord(make([]byte, 63)); err == nil {
		t.Error("expected size error")
	}
}

func TestFoundBlock_Marshal(t *testing.T) {
	var header [80]byte
	for i := range header {
		header[i] = byte(i)
	}

	b := &FoundBlock{
		JobID:          9,
		WorkerID:       10,
		UserID:         11,
		Height:         812345,
		Header:         header,
		WorkerFullName: "alice.rig1",
	}

	coinbase := []byte{0xaa, 0xbb, 0xcc}
	data := b.Marshal(coinbase)

	wantLen := 8 + 8 + 4 + 4 + 80 + workerFullNameSize + len(coinbase)
	if len(data) != wantLen {
		t.Fatalf("marshaled size = %d, want %d", len(data), wantLen)
	}

	if !bytes.Equal(data[24:104], header[:]) {
		t.Error("header bytes not at expected offset")
	}
	name := data[104 : 104+workerFullNameSize]
	if !bytes.HasPrefix(name, []byte("alice.rig1")) {
		t.Errorf("worker name on wire = %q", name)
	}
	if !bytes.Equal(data[len(data)-3:], coinbase) {
		t.Error("coinbase bytes not appended")
	}
}

func TestShareStatus_Classification(t *testing.T) {
	accepted := []ShareStatus{StatusAccepted, StatusSolvedBlock, StatusAcceptedStale}
	for _, s := range accepted {
		if !s.IsAccepted() {
			t.Errorf("%v must be accepted", s)
		}
		if s.StratumError() != nil {
			t.Errorf("%v must not map to a stratum error", s)
		}
	}

	rejected := []ShareStatus{
		StatusErrJobNotFound, StatusErrDuplicateShare, StatusErrLowDifficulty,
		StatusErrTimeTooOld, StatusErrTimeTooNew, StatusErrMalformedExtraNonce2,
	}
	for _, s := range rejected {
		if s.IsAccepted() {
			t.Errorf("%v must not be accepted", s)
		}
		if s.StratumError() == nil {
			t.Errorf("%v must map to a stratum error", s)
		}
	}
}
